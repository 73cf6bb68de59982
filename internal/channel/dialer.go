package channel

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/woozymasta/herald/internal/codec"
)

// DialOptions configure the channels a Dialer creates.
type DialOptions struct {
	// Framer splits TCP streams into frames. Required for stream networks.
	Framer codec.Framer

	// Network is "tcp" or "udp" (or their 4/6 variants).
	Network string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxPacketSize bounds a received datagram.
	MaxPacketSize int

	KeepAlive bool
}

// Dialer creates channels.
type Dialer struct {
	opts DialOptions
}

// NewDialer returns a dialer for opts.
func NewDialer(opts DialOptions) *Dialer {
	if opts.Network == "" {
		opts.Network = "udp"
	}
	return &Dialer{opts: opts}
}

// Options returns the dialer options.
func (d *Dialer) Options() DialOptions { return d.opts }

// Dial connects to addr and returns a channel delivering inbound frames to h.
func (d *Dialer) Dial(ctx context.Context, addr netip.AddrPort, h Handler) (Channel, error) {
	nd := net.Dialer{Timeout: d.opts.DialTimeout}
	if !d.opts.KeepAlive {
		nd.KeepAlive = -1
	}

	conn, err := nd.DialContext(ctx, d.opts.Network, addr.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", d.opts.Network, addr, err)
	}

	switch c := conn.(type) {
	case *net.UDPConn:
		return NewDatagram(c, false, h, d.opts), nil
	default:
		ch, err := NewStream(conn, d.opts.Framer, h, d.opts)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return ch, nil
	}
}

// ListenShared opens an unconnected UDP socket on an ephemeral port.
func (d *Dialer) ListenShared(h Handler) (Channel, error) {
	network := d.opts.Network
	switch network {
	case "udp", "udp4", "udp6":
	default:
		return nil, fmt.Errorf("shared channels need a datagram network, got %q", network)
	}

	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", network, err)
	}
	return NewDatagram(conn, true, h, d.opts), nil
}
