package display

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "Xvfb")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))

	return path
}

func TestStartAndStop(t *testing.T) {
	socketDir := t.TempDir()
	t.Setenv("FAKE_SOCKET_DIR", socketDir)

	// Creates the socket for the requested display and then idles.
	bin := writeScript(t, `touch "$FAKE_SOCKET_DIR/X${1#:}"
exec sleep 30
`)

	d, err := Start(context.Background(), logrus.New(), Config{Binary: bin, SocketDir: socketDir})
	require.NoError(t, err)

	assert.Regexp(t, `^:\d+$`, d.Name())
	assert.FileExists(t, filepath.Join(socketDir, "X"+d.Name()[1:]))

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
}

func TestStartExitsEarly(t *testing.T) {
	bin := writeScript(t, "exit 1\n")

	_, err := Start(context.Background(), logrus.New(), Config{Binary: bin, SocketDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before display")
}

func TestFreeDisplaySkipsTakenSockets(t *testing.T) {
	dir := t.TempDir()

	first, err := freeDisplay(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(socketPath(dir, first), nil, 0o644))

	next, err := freeDisplay(dir)
	require.NoError(t, err)
	assert.Greater(t, next, first)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	assert.Equal(t, DefaultBinary, cfg.Binary)
	assert.Equal(t, 1920, cfg.Width)
	assert.Equal(t, 1080, cfg.Height)
	assert.Equal(t, 24, cfg.Depth)
	assert.Equal(t, DefaultSocketDir, cfg.SocketDir)
}
