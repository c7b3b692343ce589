package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogDir(t *testing.T) {
	dir := DefaultLogDir()
	require.NotEmpty(t, dir)
	assert.Contains(t, dir, ".foldermcp")
	assert.Contains(t, dir, "logs")
}

func TestDefaultLogPath(t *testing.T) {
	path := DefaultLogPath()
	assert.Equal(t, "daemon.log", filepath.Base(path))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, 10, cfg.MaxSizeMB)
	assert.Equal(t, 5, cfg.MaxFiles)
	assert.True(t, cfg.WriteToStderr)
}

func TestDebugConfig(t *testing.T) {
	cfg := DebugConfig()
	assert.Equal(t, "debug", cfg.Level)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), "level %q", tt.in)
	}
}

func TestRotatingWriterWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	defer w.Close()

	// Force the size limit so the next write triggers rotation.
	w.maxSize = 10

	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)
	_, err = w.Write([]byte("next"))
	require.NoError(t, err)

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err, "rotated file should exist")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "next", string(data))
}

func TestSetupWritesJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	logger, cleanup, err := Setup(Config{
		Level:    "info",
		FilePath: path,
		MaxSizeMB: 1, MaxFiles: 1,
		WriteToStderr: false,
	})
	require.NoError(t, err)

	logger.Info("indexing started", slog.String("folder", "/x/A"))
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"folder":"/x/A"`), "log should be JSON structured: %s", data)
}
