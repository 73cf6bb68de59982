package messenger

import (
	"context"
	"net/netip"
	"sync"

	"github.com/woozymasta/herald/internal/channel"
	"github.com/woozymasta/herald/internal/promise"
)

// Provider hands out channels for destinations and takes them back.
// pool.Pool is the pooled provider.
type Provider interface {
	channel.Releaser
	Acquire(ctx context.Context, addr netip.AddrPort, h channel.Handler) *promise.Promise[channel.Channel]
	Close() error
}

// Dialer opens channels for providers.
type Dialer interface {
	Dial(ctx context.Context, addr netip.AddrPort, h channel.Handler) (channel.Channel, error)
	ListenShared(h channel.Handler) (channel.Channel, error)
}

// DialProvider dials a fresh channel for every exchange. Channels close with it.
type DialProvider struct {
	dialer Dialer
}

// NewDialProvider returns a one-shot provider.
func NewDialProvider(d Dialer) *DialProvider {
	return &DialProvider{dialer: d}
}

// Acquire dials addr.
func (p *DialProvider) Acquire(ctx context.Context, addr netip.AddrPort, h channel.Handler) *promise.Promise[channel.Channel] {
	result := promise.New[channel.Channel]()
	go func() {
		ch, err := p.dialer.Dial(ctx, addr, h)
		if err != nil {
			result.TryFail(err)
			return
		}
		if !result.TrySucceed(ch) {
			_ = ch.Close()
		}
	}()
	return result
}

// Release closes ch.
func (p *DialProvider) Release(ch channel.Channel) *promise.Promise[bool] {
	_ = ch.Close()
	return promise.Resolved(false)
}

// IsPooled is always false.
func (p *DialProvider) IsPooled(channel.Channel) bool { return false }

// Close is a no-op: one-shot channels are closed by their contexts.
func (p *DialProvider) Close() error { return nil }

// SharedProvider sends every exchange through one unconnected datagram socket.
// Responses correlate through the session registry. The socket is reopened
// lazily after it dropped.
type SharedProvider struct {
	dialer Dialer
	ch     channel.Channel
	mu     sync.Mutex
	closed bool
}

// NewSharedProvider returns a provider over a single shared socket.
func NewSharedProvider(d Dialer) *SharedProvider {
	return &SharedProvider{dialer: d}
}

// Acquire returns the shared socket, opening it on first use.
func (p *SharedProvider) Acquire(_ context.Context, _ netip.AddrPort, h channel.Handler) *promise.Promise[channel.Channel] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return promise.Rejected[channel.Channel](ErrClosed)
	}
	if p.ch == nil || !p.ch.Active() {
		ch, err := p.dialer.ListenShared(h)
		if err != nil {
			return promise.Rejected[channel.Channel](err)
		}
		p.ch = ch
	}
	return promise.Resolved(p.ch)
}

// Release keeps the socket open.
func (p *SharedProvider) Release(channel.Channel) *promise.Promise[bool] {
	return promise.Resolved(true)
}

// IsPooled reports whether ch is the shared socket.
func (p *SharedProvider) IsPooled(ch channel.Channel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch != nil && p.ch.ID() == ch.ID()
}

// Close closes the shared socket.
func (p *SharedProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	ch := p.ch
	p.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Close()
}
