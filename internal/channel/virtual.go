package channel

import (
	"net/netip"
)

// WriteFunc receives the frames written to a Virtual channel.
type WriteFunc func(data []byte, to netip.AddrPort) error

// Virtual is an in-memory channel. Writes go to a WriteFunc and inbound frames
// are injected by the owner. It backs library-driven exchanges that do their own
// I/O, and tests.
type Virtual struct {
	*base
	write  WriteFunc
	local  netip.AddrPort
	remote netip.AddrPort
	shared bool
}

// VirtualOption configures a Virtual channel.
type VirtualOption func(*Virtual)

// AsShared marks the channel as shared between destinations.
func AsShared() VirtualOption {
	return func(v *Virtual) { v.shared = true }
}

// WithLocalAddr sets the local address reported by the channel.
func WithLocalAddr(addr netip.AddrPort) VirtualOption {
	return func(v *Virtual) { v.local = addr }
}

// NewVirtual returns an open in-memory channel to remote.
func NewVirtual(remote netip.AddrPort, h Handler, write WriteFunc, opts ...VirtualOption) *Virtual {
	v := &Virtual{
		base:   newBase("virtual", h),
		remote: remote,
		write:  write,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// LocalAddr returns the configured local address.
func (v *Virtual) LocalAddr() netip.AddrPort { return v.local }

// RemoteAddr returns the peer address.
func (v *Virtual) RemoteAddr() netip.AddrPort { return v.remote }

// Shared reports whether the channel was created with AsShared.
func (v *Virtual) Shared() bool { return v.shared }

// Write forwards data to the WriteFunc.
func (v *Virtual) Write(data []byte, to netip.AddrPort) error {
	if !v.Active() {
		return ErrChannelClosed
	}
	if v.write == nil {
		return nil
	}
	if !v.shared {
		to = v.remote
	}
	return v.write(data, to)
}

// Inject delivers an inbound frame as if it was read from the network.
func (v *Virtual) Inject(data []byte, from netip.AddrPort) {
	v.dispatch(v, data, from)
}

// Close closes the channel cleanly.
func (v *Virtual) Close() error {
	return v.CloseWithCause(nil)
}

// CloseWithCause closes the channel recording why.
func (v *Virtual) CloseWithCause(cause error) error {
	return v.shutdown(cause, nil)
}
