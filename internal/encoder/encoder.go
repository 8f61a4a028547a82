// Package encoder wraps a GStreamer appsrc!videoconvert!x264enc!appsink
// pipeline behind an EncodeFrame/Flush contract, taking the place of
// the libavcodec-direct videnc class in
// original_source/dataset_gen/pi/include/videnc.h.
//
// The pipeline-construction style — build elements individually,
// AddMany/ElementLinkMany, push/pull via the app package — is
// grounded on
// e7canasta-orion-care-sensor/modules/stream-capture/internal/rtsp/pipeline.go
// and callbacks.go, adapted from the decode direction (rtspsrc →
// appsink) to the encode direction (appsrc → appsink) this node needs.
package encoder

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/AlecFessler/mocap-capture-node/internal/logger"
)

// Sink receives encoded access units as they come out of the
// pipeline's appsink. The pipeline controller wires this to the
// netconn stream socket's Write.
type Sink interface {
	Write(data []byte) error
}

// Encoder owns a GStreamer pipeline that takes raw YUV420 frames in
// and emits H.264 access units out. One Encoder is created at process
// startup, and Watchdog builds a new one on each restart; Close tears
// the pipeline down.
type Encoder struct {
	width, height int
	ptsCounter    int64
	frameDuration time.Duration

	pipeline *gst.Pipeline
	src      *app.Source
	sink     *app.Sink

	log logger.Logger
}

// Config mirrors the fields of the videnc constructor it replaces:
// frame geometry and the pacing needed to stamp monotonically
// increasing presentation timestamps on pushed buffers.
type Config struct {
	Width, Height int
	FrameDuration time.Duration
}

// New builds and starts (StatePlaying) an appsrc!videoconvert!x264enc!appsink
// pipeline. x264enc is configured for low-latency zerolatency tuning,
// matching the real-time constraint this node always runs under: the
// encoder cannot buffer multiple seconds of frames without falling
// behind the fixed capture cadence upstream.
func New(cfg Config, log logger.Logger) (*Encoder, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, errors.Wrap(err, "encoder: create pipeline")
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, errors.Wrap(err, "encoder: create appsrc")
	}
	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("is-live", true)
	src.SetProperty("block", true)
	src.SetCaps(gst.NewCapsFromString(rawCaps(cfg.Width, cfg.Height)))

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, errors.Wrap(err, "encoder: create videoconvert")
	}

	x264enc, err := gst.NewElement("x264enc")
	if err != nil {
		return nil, errors.Wrap(err, "encoder: create x264enc")
	}
	x264enc.SetProperty("tune", "zerolatency")
	x264enc.SetProperty("speed-preset", "ultrafast")
	x264enc.SetProperty("key-int-max", 30)

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, errors.Wrap(err, "encoder: create appsink")
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 4)
	sink.SetProperty("drop", false)

	if err := pipeline.AddMany(src.Element, convert, x264enc, sink.Element); err != nil {
		return nil, errors.Wrap(err, "encoder: add elements")
	}
	if err := gst.ElementLinkMany(src.Element, convert, x264enc, sink.Element); err != nil {
		return nil, errors.Wrap(err, "encoder: link elements")
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, errors.Wrap(err, "encoder: set pipeline playing")
	}

	return &Encoder{
		width:         cfg.Width,
		height:        cfg.Height,
		frameDuration: cfg.FrameDuration,
		pipeline:      pipeline,
		src:           src,
		sink:          sink,
		log:           log,
	}, nil
}

// Pipeline exposes the underlying GStreamer pipeline so a Watchdog can
// monitor its bus.
func (e *Encoder) Pipeline() *gst.Pipeline {
	return e.pipeline
}

// EncodeFrame pushes one raw YUV420 frame into the pipeline, then
// drains any access units the encoder has already produced to out.
// Matches videnc::encode_frame's shape (push one frame, the codec
// decides when output is ready) without exposing the caller to
// GStreamer's own buffering: x264enc with zerolatency tuning emits at
// most one frame of additional delay.
func (e *Encoder) EncodeFrame(yuv420 []byte, out Sink) error {
	buf := gst.NewBufferFromBytes(yuv420)
	pts := time.Duration(e.ptsCounter) * e.frameDuration
	buf.SetPresentationTimestamp(pts)
	buf.SetDuration(e.frameDuration)
	e.ptsCounter++

	if ret := e.src.PushBuffer(buf); ret != gst.FlowOK {
		return errors.Errorf("encoder: push buffer returned %v", ret)
	}

	return e.drain(out)
}

// Flush signals end-of-stream and drains any remaining buffered
// access units, mirroring videnc::flush's role at shutdown.
func (e *Encoder) Flush(out Sink) error {
	e.src.EndStream()
	return e.drain(out)
}

// drain pulls every sample currently available on the appsink without
// blocking indefinitely; PullSample blocks until a sample or EOS
// arrives, so this is only safe to call right after feeding the
// pipeline new input or signaling EOS.
func (e *Encoder) drain(out Sink) error {
	for {
		sample := e.sink.PullSample()
		if sample == nil {
			return nil
		}

		buffer := sample.GetBuffer()
		if buffer == nil {
			continue
		}

		mapInfo := buffer.Map(gst.MapRead)
		data := mapInfo.Bytes()
		chunk := make([]byte, len(data))
		copy(chunk, data)
		buffer.Unmap()

		traceID := uuid.New().String()
		if err := out.Write(chunk); err != nil {
			e.log.Error("encoder: stream write failed", "trace_id", traceID, "error", err)
			return errors.Wrap(err, "encoder: write encoded frame")
		}
		e.log.Debug("encoder: frame transmitted", "trace_id", traceID, "bytes", len(chunk))
	}
}

// Close stops the pipeline and releases its elements.
func (e *Encoder) Close() error {
	if e.pipeline == nil {
		return nil
	}
	return e.pipeline.SetState(gst.StateNull)
}

func rawCaps(width, height int) string {
	return "video/x-raw,format=I420,width=" + strconv.Itoa(width) + ",height=" + strconv.Itoa(height) + ",framerate=0/1"
}
