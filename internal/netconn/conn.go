// Package netconn implements the node's two outbound-facing sockets:
// a UDP control channel the server uses to hand out the recording
// start timestamp and the stop signal, and a TCP stream socket the
// node uses to push encoded video to the server.
//
// Grounded on the connection class and stream_pkt/io_signal_handler
// functions in original_source/dataset_gen/pi/src/main.cpp. The
// original binds the UDP socket and arms SIGIO so the kernel
// interrupts the process when a datagram arrives; Go has no
// async-signal story for sockets without cgo, so the same behavior
// is expressed as a goroutine blocking in ReadFromUDP, matching the
// general signal-to-goroutine translation used throughout this
// module (see internal/pipeline for the capture timer's equivalent
// translation).
package netconn

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

var hostEndian = binary.LittleEndian

// ControlMessage is one datagram received on the UDP control socket,
// decoded into one of two forms: a start timestamp (nanoseconds since
// the Unix epoch) or a stop request.
type ControlMessage struct {
	Stop      bool
	Timestamp int64 // valid only when !Stop
}

// Control is the UDP control-channel listener. It replaces the
// original's SIGIO handler with a dedicated reader goroutine that
// decodes each datagram and forwards it on Messages.
type Control struct {
	conn     *net.UDPConn
	messages chan ControlMessage
	done     chan struct{}
}

// ListenControl binds the UDP control socket on port. Binding happens
// once per process lifetime — unlike the original, which rebinds
// whenever conn->udpfd < 0 inside the main loop, there is no
// equivalent "socket died" case in Go's net package once a bind
// succeeds, so this constructor is called exactly once at startup.
func ListenControl(port int) (*Control, error) {
	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "netconn: bind udp port %d", port)
	}
	c := &Control{
		conn:     conn,
		messages: make(chan ControlMessage, 8),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Messages delivers one decoded ControlMessage per datagram. Any
// datagram whose size is neither 4 (ASCII "STOP") nor 8 (an int64
// timestamp) is silently discarded, matching the original's "Received
// unexpected message size" debug-log-and-ignore behavior.
func (c *Control) Messages() <-chan ControlMessage {
	return c.messages
}

func (c *Control) Close() error {
	close(c.done)
	return c.conn.Close()
}

func (c *Control) readLoop() {
	defer close(c.messages)
	buf := make([]byte, 8)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
				return
			}
		}

		switch n {
		case 4:
			if string(buf[:4]) == "STOP" {
				select {
				case c.messages <- ControlMessage{Stop: true}:
				case <-c.done:
					return
				}
			}
		case 8:
			ts := hostEndian.Uint64(buf[:8])
			select {
			case c.messages <- ControlMessage{Timestamp: int64(ts)}:
			case <-c.done:
				return
			}
		}
	}
}

// Stream is the lazily-connected TCP socket video frames are pushed
// over. Mirroring stream_pkt's behavior, the first connection attempt
// is deferred until the first call to Write — recording can begin,
// and frames can be encoded, before the server side of the TCP
// connection is ready to accept.
type Stream struct {
	serverIP string
	port     int
	conn     net.Conn
}

func NewStream(serverIP string, port int) *Stream {
	return &Stream{serverIP: serverIP, port: port}
}

// Write pushes the full contents of data to the stream socket,
// connecting lazily on first use and retrying partial writes until
// the whole buffer is flushed, matching stream_pkt's
// total_bytes_written loop (including its EINTR-retry behavior, which
// in Go surfaces as net.Conn.Write simply returning a short count
// rather than an explicit interrupted error).
func (s *Stream) Write(ctx context.Context, data []byte) error {
	if s.conn == nil {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", net.JoinHostPort(s.serverIP, strconv.Itoa(s.port)))
		if err != nil {
			return errors.Wrap(err, "netconn: connect tcp stream")
		}
		s.conn = conn
	}

	total := 0
	for total < len(data) {
		n, err := s.conn.Write(data[total:])
		if err != nil {
			s.conn.Close()
			s.conn = nil
			return errors.Wrap(err, "netconn: write stream frame")
		}
		total += n
	}
	return nil
}

func (s *Stream) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
