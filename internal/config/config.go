// Package config loads the node's flat, frozen configuration record.
//
// The file format is a simple KEY=VALUE list, one assignment per line,
// '#'-prefixed lines and blank lines ignored — the same shape as the
// original C++ config_parser this node replaces, which read the same
// keys one at a time (FRAME_WIDTH, FRAME_HEIGHT, FPS, ...).
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Config is the immutable record read once at startup. Nothing in
// this module ever mutates a Config after Load returns it.
type Config struct {
	FrameWidth  int
	FrameHeight int
	FPS         int

	FrameDurationMinNs int64
	FrameDurationMaxNs int64

	FrameBuffers int // N, pool slots
	DMABuffers   int // M, device requests

	RecordingCPU int

	ServerIP string
	TCPPort  int
	UDPPort  int
}

// FrameBytes returns the byte size of one decoded YUV420 frame.
func (c Config) FrameBytes() int {
	y := c.FrameWidth * c.FrameHeight
	return y + y/2
}

// FrameDuration returns the nanosecond period between captures at c.FPS.
func (c Config) FrameDuration() int64 {
	return int64(1_000_000_000) / int64(c.FPS)
}

var requiredKeys = []string{
	"FRAME_WIDTH", "FRAME_HEIGHT", "FPS",
	"FRAME_DURATION_MIN", "FRAME_DURATION_MAX",
	"FRAME_BUFFERS", "DMA_BUFFERS",
	"RECORDING_CPU", "SERVER_IP", "TCP_PORT", "UDP_PORT",
}

// Load reads and validates the configuration file at path. Any error
// returned here is a startup-class, fatal configuration error — the
// caller is expected to abort before entering the capture loop.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "open config file %s", path)
	}
	defer f.Close()

	raw := make(map[string]string, len(requiredKeys))
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return Config{}, errors.Errorf("config line %d: missing '=': %q", lineNo, line)
		}
		raw[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := scanner.Err(); err != nil {
		return Config{}, errors.Wrap(err, "read config file")
	}

	for _, k := range requiredKeys {
		if _, ok := raw[k]; !ok {
			return Config{}, errors.Errorf("config missing required key %s", k)
		}
	}

	atoi := func(key string) (int, error) {
		n, err := strconv.Atoi(raw[key])
		if err != nil {
			return 0, errors.Wrapf(err, "config key %s: invalid integer %q", key, raw[key])
		}
		return n, nil
	}
	atoi64 := func(key string) (int64, error) {
		n, err := strconv.ParseInt(raw[key], 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "config key %s: invalid integer %q", key, raw[key])
		}
		return n, nil
	}

	var c Config
	var err2 error
	if c.FrameWidth, err2 = atoi("FRAME_WIDTH"); err2 != nil {
		return Config{}, err2
	}
	if c.FrameHeight, err2 = atoi("FRAME_HEIGHT"); err2 != nil {
		return Config{}, err2
	}
	if c.FPS, err2 = atoi("FPS"); err2 != nil {
		return Config{}, err2
	}
	if c.FrameDurationMinNs, err2 = atoi64("FRAME_DURATION_MIN"); err2 != nil {
		return Config{}, err2
	}
	if c.FrameDurationMaxNs, err2 = atoi64("FRAME_DURATION_MAX"); err2 != nil {
		return Config{}, err2
	}
	if c.FrameBuffers, err2 = atoi("FRAME_BUFFERS"); err2 != nil {
		return Config{}, err2
	}
	if c.DMABuffers, err2 = atoi("DMA_BUFFERS"); err2 != nil {
		return Config{}, err2
	}
	if c.RecordingCPU, err2 = atoi("RECORDING_CPU"); err2 != nil {
		return Config{}, err2
	}
	c.ServerIP = raw["SERVER_IP"]
	if c.TCPPort, err2 = atoi("TCP_PORT"); err2 != nil {
		return Config{}, err2
	}
	if c.UDPPort, err2 = atoi("UDP_PORT"); err2 != nil {
		return Config{}, err2
	}

	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 {
		return errors.New("config: frame dimensions must be positive")
	}
	if c.FPS <= 0 {
		return errors.New("config: fps must be positive")
	}
	if c.FrameBuffers < 3 {
		return errors.New("config: FRAME_BUFFERS (N) must be >= 3")
	}
	if c.DMABuffers < 2 || c.DMABuffers > c.FrameBuffers {
		return errors.New("config: DMA_BUFFERS (M) must satisfy 2 <= M <= N")
	}
	if c.FrameDurationMinNs <= 0 || c.FrameDurationMaxNs < c.FrameDurationMinNs {
		return errors.New("config: FRAME_DURATION_MIN/MAX must be positive and MIN <= MAX")
	}
	if c.ServerIP == "" {
		return errors.New("config: SERVER_IP must not be empty")
	}
	if c.TCPPort <= 0 || c.TCPPort > 65535 || c.UDPPort <= 0 || c.UDPPort > 65535 {
		return errors.New("config: TCP_PORT/UDP_PORT must be valid port numbers")
	}
	return nil
}

// Summary renders a one-line human summary for the startup banner.
func (c Config) Summary() string {
	return fmt.Sprintf(
		"%dx%d@%dfps N=%d M=%d cpu=%d server=%s:%d/udp:%d",
		c.FrameWidth, c.FrameHeight, c.FPS,
		c.FrameBuffers, c.DMABuffers, c.RecordingCPU,
		c.ServerIP, c.TCPPort, c.UDPPort,
	)
}
