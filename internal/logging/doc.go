// Package logging provides file-based structured logging with rotation for
// the foldermcp daemon. Daemon logs are written to ~/.foldermcp/logs/ so
// client-facing channels (the duplex socket and the MCP stdio bridge) stay
// clean.
package logging
