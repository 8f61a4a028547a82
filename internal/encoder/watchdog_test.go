package encoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinyzimmer/go-gst/gst"

	"github.com/AlecFessler/mocap-capture-node/internal/logger"
)

func TestClassifyGroupsKnownKeywords(t *testing.T) {
	assert.Equal(t, "codec", classify("caps negotiation failed"))
	assert.Equal(t, "resource", classify("could not open resource /dev/video0"))
	assert.Equal(t, "unknown", classify("something went sideways"))
}

// fakeHandle stands in for a real *Encoder so tryRestart's teardown/
// rebuild behavior can be exercised without constructing a GStreamer
// pipeline.
type fakeHandle struct {
	closed *bool
}

func (f fakeHandle) Pipeline() *gst.Pipeline        { return nil }
func (f fakeHandle) EncodeFrame([]byte, Sink) error { return nil }
func (f fakeHandle) Flush(Sink) error               { return nil }
func (f fakeHandle) Close() error {
	if f.closed != nil {
		*f.closed = true
	}
	return nil
}

func TestWatchdogRestartBudget(t *testing.T) {
	w := &Watchdog{
		current: fakeHandle{},
		newHandle: func() (pipelineHandle, error) {
			return fakeHandle{}, nil
		},
		maxRestarts:   2,
		healthTimeout: time.Second,
		log:           logger.Nop(),
	}
	assert.True(t, w.tryRestart())
	assert.True(t, w.tryRestart())
	assert.False(t, w.tryRestart(), "restart budget of 2 must be exhausted after two restarts")
}

func TestWatchdogRestartTearsDownPriorPipeline(t *testing.T) {
	closed := false
	w := &Watchdog{
		current: fakeHandle{closed: &closed},
		newHandle: func() (pipelineHandle, error) {
			return fakeHandle{}, nil
		},
		maxRestarts:   1,
		healthTimeout: time.Second,
		log:           logger.Nop(),
	}
	require.True(t, w.tryRestart())
	assert.True(t, closed, "restarting must close the pipeline it is replacing, not just count the attempt")
}
