package netconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlDecodesTimestamp(t *testing.T) {
	ctl, err := ListenControl(0)
	require.NoError(t, err)
	defer ctl.Close()

	port := ctl.conn.LocalAddr().(*net.UDPAddr).Port
	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer sender.Close()

	var buf [8]byte
	hostEndian.PutUint64(buf[:], uint64(1_700_000_000_000_000_000))
	_, err = sender.Write(buf[:])
	require.NoError(t, err)

	select {
	case msg := <-ctl.Messages():
		assert.False(t, msg.Stop)
		assert.Equal(t, int64(1_700_000_000_000_000_000), msg.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for control message")
	}
}

func TestControlDecodesStop(t *testing.T) {
	ctl, err := ListenControl(0)
	require.NoError(t, err)
	defer ctl.Close()

	port := ctl.conn.LocalAddr().(*net.UDPAddr).Port
	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Write([]byte("STOP"))
	require.NoError(t, err)

	select {
	case msg := <-ctl.Messages():
		assert.True(t, msg.Stop)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stop message")
	}
}

func TestControlIgnoresUnexpectedSize(t *testing.T) {
	ctl, err := ListenControl(0)
	require.NoError(t, err)
	defer ctl.Close()

	port := ctl.conn.LocalAddr().(*net.UDPAddr).Port
	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Write([]byte("abc"))
	require.NoError(t, err)

	select {
	case msg := <-ctl.Messages():
		t.Fatalf("expected no message for malformed datagram, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamLazilyConnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		n, _ := conn.Read(buf)
		accepted <- buf[:n]
	}()

	addr := ln.Addr().(*net.TCPAddr)
	s := NewStream("127.0.0.1", addr.Port)
	defer s.Close()

	require.Nil(t, s.conn, "must not connect before first Write")
	require.NoError(t, s.Write(context.Background(), []byte("hello")))

	select {
	case got := <-accepted:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server to receive data")
	}
}

func TestStreamReconnectsAfterWriteFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	s := NewStream("127.0.0.1", addr.Port)
	defer s.Close()

	require.NoError(t, s.Write(context.Background(), []byte("first")))
	require.NotNil(t, s.conn)

	serverConn, err := ln.Accept()
	require.NoError(t, err)
	require.NoError(t, serverConn.Close())

	// Closing the peer doesn't always fail the very next write (TCP can
	// accept into the local send buffer before the RST arrives), so
	// retry a few times to force the error that must mark s.conn dead.
	var writeErr error
	for i := 0; i < 20 && writeErr == nil; i++ {
		writeErr = s.Write(context.Background(), []byte("second"))
	}
	require.Error(t, writeErr, "writing to a closed peer must eventually surface an error")
	require.Nil(t, s.conn, "a failed write must clear the dead connection so the next Write redials")

	accepted := make(chan struct{}, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		accepted <- struct{}{}
	}()

	require.NoError(t, s.Write(context.Background(), []byte("third")), "must redial transparently after the dead connection was cleared")
	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reconnect")
	}
}
