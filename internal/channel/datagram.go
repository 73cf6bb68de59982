package channel

import (
	"net"
	"net/netip"
	"time"
)

// DefaultMaxPacketSize is the receive buffer used when none is configured.
const DefaultMaxPacketSize = 65535

// Datagram is a UDP channel. A connected datagram channel talks to a single
// destination; a shared one sends to any destination from one local socket.
type Datagram struct {
	*base
	conn         *net.UDPConn
	local        netip.AddrPort
	remote       netip.AddrPort
	readTimeout  time.Duration
	writeTimeout time.Duration
	bufSize      int
	shared       bool
}

// NewDatagram wraps a UDP socket and starts reading packets from it.
// shared must be true for unconnected sockets.
func NewDatagram(conn *net.UDPConn, shared bool, h Handler, opts DialOptions) *Datagram {
	size := opts.MaxPacketSize
	if size <= 0 {
		size = DefaultMaxPacketSize
	}

	d := &Datagram{
		base:         newBase("udp", h),
		conn:         conn,
		local:        addrPortOf(conn.LocalAddr()),
		shared:       shared,
		writeTimeout: opts.WriteTimeout,
		bufSize:      size,
	}
	if !shared {
		d.remote = addrPortOf(conn.RemoteAddr())
		d.readTimeout = opts.ReadTimeout
	}
	go d.readLoop()

	return d
}

// LocalAddr returns the local endpoint.
func (d *Datagram) LocalAddr() netip.AddrPort { return d.local }

// RemoteAddr returns the peer of a connected channel, the zero address for shared ones.
func (d *Datagram) RemoteAddr() netip.AddrPort { return d.remote }

// Shared reports whether the socket is unconnected.
func (d *Datagram) Shared() bool { return d.shared }

// Write sends one datagram. Shared channels send to the given destination.
func (d *Datagram) Write(data []byte, to netip.AddrPort) error {
	if !d.Active() {
		return ErrChannelClosed
	}
	if d.writeTimeout > 0 {
		_ = d.conn.SetWriteDeadline(time.Now().Add(d.writeTimeout))
	}

	var err error
	if d.shared {
		_, err = d.conn.WriteToUDPAddrPort(data, to)
	} else {
		_, err = d.conn.Write(data)
	}
	if err != nil {
		return err
	}

	if d.readTimeout > 0 {
		_ = d.conn.SetReadDeadline(time.Now().Add(d.readTimeout))
	}
	return nil
}

// Close closes the socket cleanly.
func (d *Datagram) Close() error {
	return d.CloseWithCause(nil)
}

// CloseWithCause closes the socket recording why.
func (d *Datagram) CloseWithCause(cause error) error {
	return d.shutdown(cause, d.conn.Close)
}

func (d *Datagram) readLoop() {
	buf := make([]byte, d.bufSize)
	for {
		n, from, err := d.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			_ = d.CloseWithCause(readCause(err))
			return
		}
		if d.readTimeout > 0 {
			_ = d.conn.SetReadDeadline(time.Time{})
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])
		d.log.Trace().Int("size", n).Str("from", from.String()).Msg("Datagram received")
		d.dispatch(d, packet, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()))
	}
}
