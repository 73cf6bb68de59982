// Package channel provides the addressed, single-threaded communication channels
// the messenger writes requests on, and the per-channel Context that tracks the
// exchange currently in flight.
package channel

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrChannelClosed is matched by every ClosedError and returned by writes on closed channels.
	ErrChannelClosed = errors.New("channel closed")
	// ErrReadTimeout is the close cause of a channel that waited too long for a response.
	ErrReadTimeout = errors.New("read timeout")
)

// ClosedError reports a channel that closed before the exchange completed.
// A nil Cause means a clean close.
type ClosedError struct {
	Cause   error
	Channel string
}

func (e *ClosedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("channel %s closed before response", e.Channel)
	}
	return fmt.Sprintf("channel %s dropped before response: %v", e.Channel, e.Cause)
}

// Unwrap returns the close cause.
func (e *ClosedError) Unwrap() error { return e.Cause }

// Is matches ErrChannelClosed.
func (e *ClosedError) Is(target error) bool { return target == ErrChannelClosed }

// Clean reports whether the channel closed without a cause.
func (e *ClosedError) Clean() bool { return e.Cause == nil }

// Handler receives inbound frames. It is always invoked on the channel event loop.
type Handler interface {
	HandleInbound(ch Channel, data []byte, from netip.AddrPort)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ch Channel, data []byte, from netip.AddrPort)

// HandleInbound calls f.
func (f HandlerFunc) HandleInbound(ch Channel, data []byte, from netip.AddrPort) {
	f(ch, data, from)
}

// Channel is an addressed connection (or shared socket) with its own event loop.
type Channel interface {
	ID() string
	Network() string
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort

	// Active reports whether the channel can still be written to.
	Active() bool

	// Shared reports whether the channel multiplexes exchanges with several
	// destinations, which makes responses correlate through sessions instead of
	// through the channel itself.
	Shared() bool

	Loop() *EventLoop

	// Write sends data to the destination. It must be called on the channel loop.
	// Connected channels ignore the destination.
	Write(data []byte, to netip.AddrPort) error

	Close() error
	CloseWithCause(cause error) error

	// Cause returns the close cause, nil while open or after a clean close.
	Cause() error
	Closed() <-chan struct{}

	// OnClose registers fn to run once when the channel closes and returns a function
	// removing the registration. If the channel is already closed fn runs immediately.
	OnClose(fn func(cause error)) (remove func())

	// Bound returns the Context bound to the channel, nil for shared or fresh channels.
	Bound() *Context

	bind(c *Context)
}

// base holds the lifecycle shared by every channel implementation.
type base struct {
	cause     error
	log       zerolog.Logger
	handler   Handler
	loop      *EventLoop
	closed    chan struct{}
	listeners map[uint64]func(error)
	bound     atomic.Pointer[Context]
	id        string
	network   string
	nextID    uint64
	mu        sync.Mutex
	isClosed  atomic.Bool
}

func newBase(network string, handler Handler) *base {
	id := shortuuid.New()
	return &base{
		id:        id,
		network:   network,
		handler:   handler,
		loop:      NewEventLoop(network + "/" + id),
		closed:    make(chan struct{}),
		listeners: make(map[uint64]func(error)),
		log:       log.With().Str("component", "channel").Str("channel", id).Str("network", network).Logger(),
	}
}

func (b *base) ID() string              { return b.id }
func (b *base) Network() string         { return b.network }
func (b *base) Loop() *EventLoop        { return b.loop }
func (b *base) Closed() <-chan struct{} { return b.closed }
func (b *base) Bound() *Context         { return b.bound.Load() }
func (b *base) bind(c *Context)         { b.bound.Store(c) }

func (b *base) Active() bool {
	return !b.isClosed.Load()
}

func (b *base) Cause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cause
}

func (b *base) OnClose(fn func(cause error)) func() {
	b.mu.Lock()
	if b.isClosed.Load() {
		cause := b.cause
		b.mu.Unlock()
		fn(cause)
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// dispatch hands an inbound frame to the handler on the channel loop.
func (b *base) dispatch(ch Channel, data []byte, from netip.AddrPort) {
	if b.handler == nil {
		b.log.Trace().Int("size", len(data)).Msg("Inbound frame without handler dropped")
		return
	}
	if !b.loop.Execute(func() { b.handler.HandleInbound(ch, data, from) }) {
		b.log.Trace().Int("size", len(data)).Msg("Inbound frame after shutdown dropped")
	}
}

// shutdown closes the channel once: it records the cause, releases the underlying
// resource, notifies close listeners and stops the loop after pending tasks ran.
// Listeners may close the channel again; later calls return immediately.
func (b *base) shutdown(cause error, release func() error) error {
	b.mu.Lock()
	if b.isClosed.Load() {
		b.mu.Unlock()
		return nil
	}
	b.cause = cause
	b.isClosed.Store(true)
	listeners := b.listeners
	b.listeners = nil
	close(b.closed)
	b.mu.Unlock()

	var err error
	if release != nil {
		err = release()
	}

	if cause != nil {
		b.log.Debug().Err(cause).Msg("Channel dropped")
	} else {
		b.log.Trace().Msg("Channel closed")
	}

	for _, fn := range listeners {
		fn(cause)
	}

	b.loop.Shutdown()
	return err
}
