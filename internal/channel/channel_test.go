package channel

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/herald/internal/codec"
)

var testRemote = netip.MustParseAddrPort("127.0.0.1:27015")

// frameCollector gathers inbound frames handed to a channel handler.
type frameCollector struct {
	frames chan []byte
}

func newFrameCollector() *frameCollector {
	return &frameCollector{frames: make(chan []byte, 16)}
}

func (c *frameCollector) HandleInbound(_ Channel, data []byte, _ netip.AddrPort) {
	c.frames <- data
}

func (c *frameCollector) next(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

// lengthFramer reads frames prefixed with a little-endian uint16 length.
var lengthFramer = codec.FramerFunc(func(r *bufio.Reader) ([]byte, error) {
	var size uint16
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
})

func lengthFrame(data []byte) []byte {
	out := binary.LittleEndian.AppendUint16(nil, uint16(len(data)))
	return append(out, data...)
}

func TestEventLoopRunsInOrder(t *testing.T) {
	l := NewEventLoop("test")

	var (
		mu  sync.Mutex
		got []int
	)
	for i := range 100 {
		require.True(t, l.Execute(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	l.Shutdown()
	<-l.Done()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.False(t, l.Execute(func() {}))
}

func TestEventLoopSurvivesPanic(t *testing.T) {
	l := NewEventLoop("test")
	ran := make(chan struct{})

	l.Execute(func() { panic("boom") })
	l.Execute(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("loop stopped after panic")
	}
	l.Shutdown()
}

func TestVirtualWriteAndInject(t *testing.T) {
	collector := newFrameCollector()
	var written [][]byte
	v := NewVirtual(testRemote, collector, func(data []byte, to netip.AddrPort) error {
		assert.Equal(t, testRemote, to)
		written = append(written, data)
		return nil
	})

	require.NoError(t, v.Write([]byte("ping"), netip.AddrPort{}))
	require.Len(t, written, 1)

	v.Inject([]byte("pong"), testRemote)
	assert.Equal(t, []byte("pong"), collector.next(t))

	require.NoError(t, v.Close())
	assert.False(t, v.Active())
	assert.ErrorIs(t, v.Write([]byte("late"), testRemote), ErrChannelClosed)
}

func TestOnCloseAfterCloseRunsImmediately(t *testing.T) {
	v := NewVirtual(testRemote, nil, nil)
	cause := errors.New("reset")
	require.NoError(t, v.CloseWithCause(cause))

	var got error
	remove := v.OnClose(func(c error) { got = c })
	remove()
	assert.Same(t, cause, got)
	assert.Same(t, cause, v.Cause())
}

func TestOnCloseRemoved(t *testing.T) {
	v := NewVirtual(testRemote, nil, nil)
	called := false
	remove := v.OnClose(func(error) { called = true })
	remove()
	require.NoError(t, v.Close())
	assert.False(t, called)
}

func TestCloseFromListenerDoesNotDeadlock(t *testing.T) {
	v := NewVirtual(testRemote, nil, nil)
	v.OnClose(func(error) { _ = v.Close() })

	done := make(chan struct{})
	go func() {
		_ = v.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close deadlocked")
	}
}

func TestClosedErrorMatching(t *testing.T) {
	clean := &ClosedError{Channel: "x"}
	assert.True(t, clean.Clean())
	assert.ErrorIs(t, clean, ErrChannelClosed)

	dropped := &ClosedError{Channel: "x", Cause: ErrReadTimeout}
	assert.False(t, dropped.Clean())
	assert.ErrorIs(t, dropped, ErrChannelClosed)
	assert.ErrorIs(t, dropped, ErrReadTimeout)
}

func TestDatagramLoopback(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer func() { _ = server.Close() }()

	go func() {
		buf := make([]byte, 1500)
		n, from, err := server.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		_, _ = server.WriteToUDPAddrPort(append([]byte("re:"), buf[:n]...), from)
	}()

	collector := newFrameCollector()
	d := NewDialer(DialOptions{Network: "udp4", ReadTimeout: 2 * time.Second})
	ch, err := d.Dial(context.Background(), server.LocalAddr().(*net.UDPAddr).AddrPort(), collector)
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	assert.False(t, ch.Shared())
	require.NoError(t, ch.Write([]byte("hello"), netip.AddrPort{}))
	assert.Equal(t, []byte("re:hello"), collector.next(t))
}

func TestDatagramReadTimeoutClosesWithCause(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer func() { _ = server.Close() }()

	d := NewDialer(DialOptions{Network: "udp4", ReadTimeout: 50 * time.Millisecond})
	ch, err := d.Dial(context.Background(), server.LocalAddr().(*net.UDPAddr).AddrPort(), nil)
	require.NoError(t, err)

	require.NoError(t, ch.Write([]byte("silence"), netip.AddrPort{}))

	select {
	case <-ch.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not time out")
	}
	assert.ErrorIs(t, ch.Cause(), ErrReadTimeout)
}

func TestSharedDatagramSendsToAnyDestination(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer func() { _ = server.Close() }()

	go func() {
		buf := make([]byte, 1500)
		n, from, err := server.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		_, _ = server.WriteToUDPAddrPort(buf[:n], from)
	}()

	collector := newFrameCollector()
	ch, err := NewDialer(DialOptions{Network: "udp4"}).ListenShared(collector)
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	assert.True(t, ch.Shared())
	require.NoError(t, ch.Write([]byte("echo"), server.LocalAddr().(*net.UDPAddr).AddrPort()))
	assert.Equal(t, []byte("echo"), collector.next(t))
}

func TestListenSharedRejectsStreams(t *testing.T) {
	_, err := NewDialer(DialOptions{Network: "tcp"}).ListenShared(nil)
	assert.Error(t, err)
}

func TestStreamLoopback(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		frame, err := lengthFramer.ReadFrame(bufio.NewReader(conn))
		if err != nil {
			return
		}
		_, _ = conn.Write(lengthFrame(append(frame, '!')))
	}()

	collector := newFrameCollector()
	d := NewDialer(DialOptions{Network: "tcp4", Framer: lengthFramer, ReadTimeout: 2 * time.Second})
	ch, err := d.Dial(context.Background(), ln.Addr().(*net.TCPAddr).AddrPort(), collector)
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	require.NoError(t, ch.Write(lengthFrame([]byte("hi")), netip.AddrPort{}))
	assert.Equal(t, []byte("hi!"), collector.next(t))

	// the server hangs up after one answer
	select {
	case <-ch.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close on EOF")
	}
	assert.NoError(t, ch.Cause())
}

func TestStreamRequiresFramer(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = server.Close() }()
	_, err := NewStream(client, nil, nil, DialOptions{})
	assert.Error(t, err)
	_ = client.Close()
}
