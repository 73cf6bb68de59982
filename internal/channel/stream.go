package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/woozymasta/herald/internal/codec"
)

// Stream is a connection-oriented channel reading frames off a byte stream.
type Stream struct {
	*base
	conn         net.Conn
	framer       codec.Framer
	local        netip.AddrPort
	remote       netip.AddrPort
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewStream wraps an established connection and starts reading frames from it.
func NewStream(conn net.Conn, framer codec.Framer, h Handler, opts DialOptions) (*Stream, error) {
	if framer == nil {
		return nil, errors.New("stream channel requires a framer")
	}

	s := &Stream{
		base:         newBase(conn.RemoteAddr().Network(), h),
		conn:         conn,
		framer:       framer,
		local:        addrPortOf(conn.LocalAddr()),
		remote:       addrPortOf(conn.RemoteAddr()),
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
	}
	go s.readLoop()

	return s, nil
}

// LocalAddr returns the local endpoint.
func (s *Stream) LocalAddr() netip.AddrPort { return s.local }

// RemoteAddr returns the peer endpoint.
func (s *Stream) RemoteAddr() netip.AddrPort { return s.remote }

// Shared is always false for streams.
func (s *Stream) Shared() bool { return false }

// Write sends data on the connection and arms the read timeout for the answer.
func (s *Stream) Write(data []byte, _ netip.AddrPort) error {
	if !s.Active() {
		return ErrChannelClosed
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.conn.Write(data); err != nil {
		return err
	}
	if s.readTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	return nil
}

// Close closes the connection cleanly.
func (s *Stream) Close() error {
	return s.CloseWithCause(nil)
}

// CloseWithCause closes the connection recording why.
func (s *Stream) CloseWithCause(cause error) error {
	return s.shutdown(cause, s.conn.Close)
}

func (s *Stream) readLoop() {
	r := bufio.NewReader(s.conn)
	for {
		frame, err := s.framer.ReadFrame(r)
		if err != nil {
			_ = s.CloseWithCause(readCause(err))
			return
		}
		// the deadline only covers the wait for the first frame of an answer
		if s.readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Time{})
		}
		s.dispatch(s, frame, s.remote)
	}
}

// readCause maps read loop errors to close causes: EOF and local closes are clean.
func readCause(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return nil
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", ErrReadTimeout, err)
	default:
		return err
	}
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort()
	case *net.UDPAddr:
		return a.AddrPort()
	}
	if addr == nil {
		return netip.AddrPort{}
	}
	ap, _ := netip.ParseAddrPort(addr.String())
	return ap
}
