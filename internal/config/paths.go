package config

import (
	"os"
	"path/filepath"
)

// Environment overrides for daemon paths and networking.
const (
	EnvDataDir    = "FOLDERMCP_HOME"
	EnvListenAddr = "FOLDERMCP_ADDR"
	EnvModelHost  = "FOLDERMCP_MODEL_HOST"
)

// DefaultModelHost serves the curated model assets.
const DefaultModelHost = "https://models.folder-mcp.org"

// DataDir returns the daemon data directory: $FOLDERMCP_HOME when set,
// otherwise ~/.foldermcp. Falls back to the temp directory when the home
// directory is unavailable.
func DataDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".foldermcp")
	}
	return filepath.Join(home, ".foldermcp")
}

// DefaultConfigPath returns the fleet document path.
func DefaultConfigPath() string { return filepath.Join(DataDir(), "config.yaml") }

// ModelsDir returns the downloaded model asset directory.
func ModelsDir() string { return filepath.Join(DataDir(), "models") }

// PIDPath returns the daemon pidfile path.
func PIDPath() string { return filepath.Join(DataDir(), "daemon.pid") }

// ListenAddr returns $FOLDERMCP_ADDR when set, otherwise fallback.
func ListenAddr(fallback string) string {
	if addr := os.Getenv(EnvListenAddr); addr != "" {
		return addr
	}
	return fallback
}

// ModelHost returns $FOLDERMCP_MODEL_HOST when set, otherwise the default
// asset host.
func ModelHost() string {
	if host := os.Getenv(EnvModelHost); host != "" {
		return host
	}
	return DefaultModelHost
}
