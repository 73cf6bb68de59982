// Package transport writes the envelope of a channel context onto its channel.
package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/herald/internal/channel"
	"github.com/woozymasta/herald/internal/codec"
	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/promise"
)

var (
	// ErrNilContext is returned for a send without a context.
	ErrNilContext = errors.New("transport: nil context")
	// ErrNoEnvelope is returned when the context carries no envelope.
	ErrNoEnvelope = errors.New("transport: context has no envelope")
	// ErrWriteNotStarted is returned when BeginWrite was not called before the send.
	ErrWriteNotStarted = errors.New("transport: write promise not initialized")
	// ErrClosed is returned by a closed transport.
	ErrClosed = errors.New("transport: closed")
)

// WriteError reports bytes that could not be delivered to the destination.
type WriteError struct {
	Err     error
	Address netip.AddrPort
	Channel string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s on channel %s: %v", e.Address, e.Channel, e.Err)
}

// Unwrap returns the raw write failure.
func (e *WriteError) Unwrap() error { return e.Err }

// Transport delivers the current envelope of a context.
type Transport interface {
	// Send writes the context envelope on the context channel. The returned promise
	// is the context write promise: it resolves with the context once the bytes are
	// out, or fails with the write error.
	Send(c *channel.Context) *promise.Promise[*channel.Context]
	// Close releases transport resources. Channels are owned by contexts and pools.
	Close() error
}

// Network encodes requests and writes them on the channel event loop.
type Network struct {
	encoder codec.Encoder
	log     zerolog.Logger
	closed  atomic.Bool
}

// NewNetwork returns a transport encoding requests with enc.
func NewNetwork(enc codec.Encoder) *Network {
	return &Network{
		encoder: enc,
		log:     log.With().Str("component", "transport").Logger(),
	}
}

// Send writes the envelope of c on the loop of its channel.
func (t *Network) Send(c *channel.Context) *promise.Promise[*channel.Context] {
	w, err := Check(c)
	if err != nil {
		return promise.Rejected[*channel.Context](err)
	}
	if t.closed.Load() {
		c.EndWrite(ErrClosed)
		return w
	}

	req := c.Request()
	ch := c.Channel()
	data, err := t.encoder.Encode(req)
	if err != nil {
		c.EndWrite(fmt.Errorf("encode %s: %w", message.Describe(req), err))
		return w
	}

	if !ch.Loop().Execute(func() { t.write(c, data) }) {
		c.EndWrite(&channel.ClosedError{Channel: ch.ID(), Cause: ch.Cause()})
	}
	return w
}

func (t *Network) write(c *channel.Context, data []byte) {
	ch := c.Channel()
	to := c.Request().Recipient()

	if err := ch.Write(data, to); err != nil {
		t.log.Debug().
			Err(err).
			Str("channel", ch.ID()).
			Str("to", to.String()).
			Msg("Write failed")
		c.EndWrite(&WriteError{Err: err, Address: to, Channel: ch.ID()})
		return
	}

	t.log.Trace().
		Str("channel", ch.ID()).
		Str("to", to.String()).
		Int("size", len(data)).
		Msg("Request written")
	c.EndWrite(nil)
}

// Close stops accepting sends.
func (t *Network) Close() error {
	t.closed.Store(true)
	return nil
}

// Check validates the send preconditions and returns the pending write promise.
func Check(c *channel.Context) (*promise.Promise[*channel.Context], error) {
	if c == nil {
		return nil, ErrNilContext
	}
	if c.Envelope() == nil {
		return nil, ErrNoEnvelope
	}
	w := c.WritePromise()
	if w == nil {
		return nil, ErrWriteNotStarted
	}
	return w, nil
}

// IsWriteError reports whether err comes from a failed write.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}
