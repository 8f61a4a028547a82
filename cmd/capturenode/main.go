// Command capturenode is the entry point for a single camera's
// capture/encode/stream process, replacing
// original_source/dataset_gen/pi/src/main.cpp's main(). Flag parsing
// and the startup banner follow
// lanikai-alohartc/cmd/alohartcd/{main.go,help.go}'s use of
// github.com/spf13/pflag and github.com/fatih/color.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/AlecFessler/mocap-capture-node/internal/camera"
	"github.com/AlecFessler/mocap-capture-node/internal/config"
	"github.com/AlecFessler/mocap-capture-node/internal/encoder"
	"github.com/AlecFessler/mocap-capture-node/internal/framepool"
	"github.com/AlecFessler/mocap-capture-node/internal/logger"
	"github.com/AlecFessler/mocap-capture-node/internal/netconn"
	"github.com/AlecFessler/mocap-capture-node/internal/pipeline"
	"github.com/AlecFessler/mocap-capture-node/internal/ring"
	"github.com/AlecFessler/mocap-capture-node/internal/rtsched"
)

var (
	flagConfig  string
	flagDevice  string
	flagVerbose bool
	flagHelp    bool
)

func init() {
	flag.StringVarP(&flagConfig, "config", "c", "config.txt", "Path to the node's KEY=VALUE configuration file")
	flag.StringVarP(&flagDevice, "device", "d", "/dev/video0", "V4L2 capture device")
	flag.BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug-level logging")
	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
}

func banner() {
	b := color.New(color.FgCyan)
	y := color.New(color.FgYellow)
	b.Println("mocap-capture-node")
	y.Println("synchronized multi-camera capture, encode, and stream")
}

func help() {
	banner()
	fmt.Println()
	fmt.Println("Usage: capturenode [OPTION]...")
	fmt.Println()
	fmt.Println("  -c, --config=FILE    Path to KEY=VALUE config file (default: config.txt)")
	fmt.Println("  -d, --device=FILE    V4L2 capture device (default: /dev/video0)")
	fmt.Println("  -v, --verbose        Enable debug-level logging")
	fmt.Println("  -h, --help           Print this message and exit")
}

func main() {
	flag.Parse()
	if flagHelp {
		help()
		return
	}

	log := logger.New(os.Stdout, flagVerbose)
	banner()

	if err := run(log); err != nil {
		log.Error("capturenode: fatal error", "error", err)
		os.Exit(1)
	}
}

func run(log logger.Logger) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	log.Info("loaded configuration", "summary", cfg.Summary())

	// CPU pinning and SCHED_FIFO priority are what keep capture timing
	// jitter low; a node that silently ran without them would degrade
	// in a way this process could never detect on its own, so this
	// aborts before entering the loop exactly as init_realtime_scheduling
	// does in original_source/dataset_gen/pi/src/main.cpp.
	if err := rtsched.Apply(cfg.RecordingCPU); err != nil {
		return errors.Wrap(err, "capturenode: apply real-time scheduling")
	}

	pool, err := framepool.New(cfg.FrameBuffers, cfg.FrameBytes())
	if err != nil {
		return err
	}

	queueCap := nextPowerOfTwo(cfg.DMABuffers + 1)
	queue := ring.New(queueCap)

	gauge := pipeline.NewGauge(cfg.FrameBuffers)

	dev, err := camera.OpenDevice(flagDevice)
	if err != nil {
		return err
	}

	controls := camera.ControlSettings{
		FrameDurationMinNs: cfg.FrameDurationMinNs,
		FrameDurationMaxNs: cfg.FrameDurationMaxNs,
		LensPosition:       0,
		AnalogueGain:       1.0,
	}

	src, err := camera.Open(dev, pool, queue, gauge, log, cfg.FrameWidth, cfg.FrameHeight, controls)
	if err != nil {
		return err
	}
	defer src.Close()

	encCfg := encoder.Config{
		Width:         cfg.FrameWidth,
		Height:        cfg.FrameHeight,
		FrameDuration: time.Duration(cfg.FrameDuration()),
	}
	enc, err := encoder.New(encCfg, log)
	if err != nil {
		return err
	}

	watchdog := encoder.NewWatchdog(enc, func() (*encoder.Encoder, error) {
		return encoder.New(encCfg, log)
	}, 5, 10*time.Second, log)
	defer watchdog.Close()

	control, err := netconn.ListenControl(cfg.UDPPort)
	if err != nil {
		return err
	}
	defer control.Close()

	stream := netconn.NewStream(cfg.ServerIP, cfg.TCPPort)
	defer stream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := watchdog.Monitor(ctx); err != nil {
			log.Error("capturenode: encoder pipeline unrecoverable", "error", err)
			cancel()
		}
	}()

	ctrl := pipeline.New(queue, gauge, src, watchdog, stream, control, log, time.Duration(cfg.FrameDuration()))

	log.Info("capturenode: starting capture/encode/stream loop")
	return ctrl.Run(ctx)
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
