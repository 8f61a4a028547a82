package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validBody = `
# test config
FRAME_WIDTH=640
FRAME_HEIGHT=480
FPS=30
FRAME_DURATION_MIN=16666666
FRAME_DURATION_MAX=33333333
FRAME_BUFFERS=4
DMA_BUFFERS=3
RECORDING_CPU=2
SERVER_IP=10.0.0.1
TCP_PORT=9000
UDP_PORT=9001
`

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, validBody)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 640, c.FrameWidth)
	assert.Equal(t, 480, c.FrameHeight)
	assert.Equal(t, 30, c.FPS)
	assert.Equal(t, 4, c.FrameBuffers)
	assert.Equal(t, 3, c.DMABuffers)
	assert.Equal(t, 460800, c.FrameBytes())
	assert.Equal(t, int64(33333333), c.FrameDuration())
}

func TestLoadMissingKey(t *testing.T) {
	path := writeConfig(t, "FRAME_WIDTH=640\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadOverrunInvariant(t *testing.T) {
	// DMA_BUFFERS > FRAME_BUFFERS must be rejected at load time.
	path := writeConfig(t, `
FRAME_WIDTH=640
FRAME_HEIGHT=480
FPS=30
FRAME_DURATION_MIN=1
FRAME_DURATION_MAX=2
FRAME_BUFFERS=3
DMA_BUFFERS=4
RECORDING_CPU=0
SERVER_IP=10.0.0.1
TCP_PORT=9000
UDP_PORT=9001
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.txt")
	require.Error(t, err)
}
