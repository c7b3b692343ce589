package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.foldermcp/logs/,
// $FOLDERMCP_HOME/logs/ when the override is set). Falls back to the temp
// directory if the home directory is unavailable.
func DefaultLogDir() string {
	if dir := os.Getenv("FOLDERMCP_HOME"); dir != "" {
		return filepath.Join(dir, "logs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".foldermcp", "logs")
	}
	return filepath.Join(home, ".foldermcp", "logs")
}

// DefaultLogPath returns the daemon log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "daemon.log")
}

// BridgeLogPath returns the MCP stdio bridge log path.
func BridgeLogPath() string {
	return filepath.Join(DefaultLogDir(), "bridge.log")
}
