package channel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/promise"
)

// maxSavedProperties bounds the saved exchange stack of a reused channel.
const maxSavedProperties = 8

var (
	// ErrInactiveChannel is returned when building a context around a closed channel.
	ErrInactiveChannel = errors.New("channel is not active")
	// ErrNoReceiver is returned when building a context without an owning receiver.
	ErrNoReceiver = errors.New("context requires a receiver")
	// ErrWriteInProgress is returned by BeginWrite while a write is pending.
	ErrWriteInProgress = errors.New("write already in progress")
	// ErrResponseReceived is returned when completing an exchange that already completed.
	ErrResponseReceived = errors.New("response already received")
	// ErrNotAttached is returned when no exchange is attached to the context.
	ErrNotAttached = errors.New("no exchange attached")
	// ErrNothingSaved is returned by Restore with an empty saved stack.
	ErrNothingSaved = errors.New("no saved properties")
)

// MismatchError reports a response whose transaction id belongs to no known exchange
// of the channel.
type MismatchError struct {
	Expected string
	Got      string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("response transaction %q does not match request %q", e.Got, e.Expected)
}

// Releaser takes channels back after use. Pools implement it.
type Releaser interface {
	Release(ch Channel) *promise.Promise[bool]
	IsPooled(ch Channel) bool
}

// Properties is the state of one exchange on a channel.
type Properties struct {
	err         error
	request     message.Request
	envelope    *message.Envelope
	response    *promise.Promise[message.Response]
	write       *promise.Promise[*Context]
	released    atomic.Bool
	autoRelease bool
}

// Request returns the attached request.
func (p *Properties) Request() message.Request { return p.request }

// Envelope returns the attached envelope.
func (p *Properties) Envelope() *message.Envelope { return p.envelope }

// Err returns the recorded exchange error.
func (p *Properties) Err() error { return p.err }

// Context is the per-channel exchange state. All mutations happen on the channel loop;
// readers outside of it only use it for diagnostics.
type Context struct {
	ch          Channel
	receiver    message.Receiver
	releaser    Releaser
	log         zerolog.Logger
	props       *Properties
	removeGuard func()
	saved       []*Properties
	mu          sync.Mutex
	autoRelease bool
	detached    bool
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithReleaser returns released channels to r instead of closing them.
func WithReleaser(r Releaser) ContextOption {
	return func(c *Context) { c.releaser = r }
}

// WithAutoRelease sets whether completing the response releases the channel. Default true.
func WithAutoRelease(enabled bool) ContextOption {
	return func(c *Context) { c.autoRelease = enabled }
}

// Detached builds a context that is not bound to the channel. Shared channels carry one
// detached context per exchange; releasing it never closes the channel.
func Detached() ContextOption {
	return func(c *Context) { c.detached = true }
}

// WithContextLogger sets the context logger.
func WithContextLogger(l zerolog.Logger) ContextOption {
	return func(c *Context) { c.log = l }
}

// NewContext builds the context of an active channel owned by receiver.
func NewContext(ch Channel, receiver message.Receiver, opts ...ContextOption) (*Context, error) {
	if ch == nil || !ch.Active() {
		return nil, ErrInactiveChannel
	}
	if receiver == nil {
		return nil, ErrNoReceiver
	}

	c := &Context{
		ch:          ch,
		receiver:    receiver,
		autoRelease: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("channel", ch.ID()).Logger()
	c.props = c.newProperties()

	if !c.detached {
		ch.bind(c)
	}
	c.removeGuard = ch.OnClose(c.channelClosed)

	return c, nil
}

func (c *Context) newProperties() *Properties {
	return &Properties{autoRelease: c.autoRelease}
}

// Channel returns the underlying channel.
func (c *Context) Channel() Channel { return c.ch }

// ID returns the channel id.
func (c *Context) ID() string { return c.ch.ID() }

// Receiver returns the owning receiver.
func (c *Context) Receiver() message.Receiver { return c.receiver }

// Properties returns the current exchange state.
func (c *Context) Properties() *Properties {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props
}

// Envelope returns the envelope of the current exchange.
func (c *Context) Envelope() *message.Envelope {
	return c.Properties().envelope
}

// Request returns the request of the current exchange.
func (c *Context) Request() message.Request {
	return c.Properties().request
}

// ResponsePromise returns the response promise of the current exchange.
func (c *Context) ResponsePromise() *promise.Promise[message.Response] {
	return c.Properties().response
}

// WritePromise returns the pending write, nil when no write is in flight.
func (c *Context) WritePromise() *promise.Promise[*Context] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props.write
}

// Attach binds env as the current exchange. Completing its promise triggers auto-release.
func (c *Context) Attach(env *message.Envelope) {
	p := env.Promise()

	c.mu.Lock()
	props := c.props
	props.request = env.Request()
	props.envelope = env
	props.response = p
	c.mu.Unlock()

	p.OnComplete(func(*promise.Promise[message.Response]) {
		if props.autoRelease {
			c.release(props)
		}
	})

	// the channel may have closed between construction and attach
	if !c.ch.Active() {
		c.failClosed(props, c.ch.Cause())
	}
}

// SetAutoRelease changes the release policy of the current exchange.
func (c *Context) SetAutoRelease(enabled bool) {
	c.mu.Lock()
	c.props.autoRelease = enabled
	c.mu.Unlock()
}

// MarkSuccess completes the current exchange with res.
// It reports whether this call performed the completion.
func (c *Context) MarkSuccess(res message.Response) (bool, error) {
	p := c.ResponsePromise()
	if p == nil {
		return false, ErrNotAttached
	}
	if !p.TrySucceed(res) {
		return false, ErrResponseReceived
	}
	return true, nil
}

// MarkInError fails the current exchange with err.
// It reports whether this call performed the completion.
func (c *Context) MarkInError(err error) (bool, error) {
	c.mu.Lock()
	props := c.props
	if props.response != nil && !props.response.IsDone() {
		props.err = err
	}
	c.mu.Unlock()

	if props.response == nil {
		return false, ErrNotAttached
	}
	if !props.response.TryFail(err) {
		return false, ErrResponseReceived
	}
	return true, nil
}

// Receive forwards a decoded response of the current exchange to the receiver.
// Responses of previously saved exchanges are dropped as stale.
func (c *Context) Receive(res message.Response) {
	props := c.Properties()
	if props.envelope == nil {
		c.log.Warn().Str("response", message.Describe(res)).Msg("Response without attached exchange dropped")
		return
	}

	want := props.request.TransactionID()
	got := res.TransactionID()
	if want != "" && got != "" && !message.SameTransaction(want, got) {
		if c.isSaved(got) {
			c.log.Warn().
				Str("txid", got).
				Str("current", want).
				Msg("Stale response of a previous exchange dropped")
			return
		}
		c.ReceiveError(&MismatchError{Expected: want, Got: got})
		return
	}

	res.SetRequest(props.request)
	c.deliver(props, props.envelope.Reply(res), nil)
}

// ReceiveError forwards a failure of the current exchange to the receiver.
func (c *Context) ReceiveError(err error) {
	c.mu.Lock()
	props := c.props
	if props.envelope != nil && !props.response.IsDone() {
		props.err = err
	}
	c.mu.Unlock()

	if props.envelope == nil {
		c.log.Warn().Err(err).Msg("Error without attached exchange dropped")
		return
	}
	c.deliver(props, props.envelope.Failure(), err)
}

// deliver calls the receiver, turning its panics into a failed exchange.
func (c *Context) deliver(props *Properties, env *message.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("receive failed: %v", r)
			c.log.Error().Err(cause).Msg("Receiver panicked")
			props.err = cause
			props.response.TryFail(cause)
		}
	}()
	c.receiver.Receive(env, err)
}

// BeginWrite starts a write of the current exchange.
func (c *Context) BeginWrite() (*promise.Promise[*Context], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.props.write != nil && !c.props.write.IsDone() {
		return nil, ErrWriteInProgress
	}
	c.props.write = promise.New[*Context]()
	return c.props.write, nil
}

// EndWrite completes the pending write with err. Completion always runs on the channel
// loop; if the loop is gone the write completes on the caller.
func (c *Context) EndWrite(err error) {
	if !c.ch.Loop().Execute(func() { c.completeWrite(err) }) {
		if err == nil {
			err = ErrChannelClosed
		}
		c.completeWrite(err)
	}
}

func (c *Context) completeWrite(err error) {
	c.mu.Lock()
	w := c.props.write
	c.props.write = nil
	if err != nil && c.props.err == nil {
		c.props.err = err
	}
	c.mu.Unlock()

	if w == nil {
		c.log.Debug().Err(err).Msg("Write completion without pending write")
		return
	}
	if err != nil {
		w.TryFail(err)
		return
	}
	w.TrySucceed(c)
}

// Save pushes the current exchange and starts a fresh one, so a reused channel can
// serve a new request while still recognising late answers to the old one.
func (c *Context) Save() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.saved = append(c.saved, c.props)
	if len(c.saved) > maxSavedProperties {
		c.saved = c.saved[len(c.saved)-maxSavedProperties:]
	}
	c.props = c.newProperties()
}

// Restore pops the last saved exchange back as the current one.
func (c *Context) Restore() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.saved)
	if n == 0 {
		return ErrNothingSaved
	}
	c.props = c.saved[n-1]
	c.saved[n-1] = nil
	c.saved = c.saved[:n-1]
	return nil
}

// Clear drops the saved exchanges.
func (c *Context) Clear() {
	c.mu.Lock()
	c.saved = nil
	c.mu.Unlock()
}

// SavedLen returns the number of saved exchanges.
func (c *Context) SavedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.saved)
}

func (c *Context) isSaved(txID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.saved {
		if p.request != nil && message.SameTransaction(p.request.TransactionID(), txID) {
			return true
		}
	}
	return false
}

// Close releases the current exchange's channel regardless of the auto-release policy.
func (c *Context) Close() {
	c.release(c.Properties())
}

// release returns the channel to its pool or closes it, once per exchange.
// Detached contexts only drop their close guard.
func (c *Context) release(props *Properties) {
	if !props.released.CompareAndSwap(false, true) {
		return
	}

	if c.detached {
		c.removeGuard()
		return
	}

	if c.releaser != nil && c.releaser.IsPooled(c.ch) {
		c.releaser.Release(c.ch)
		return
	}
	if err := c.ch.Close(); err != nil {
		c.log.Debug().Err(err).Msg("Channel close failed")
	}
}

// channelClosed fails every exchange still waiting on the channel.
func (c *Context) channelClosed(cause error) {
	c.mu.Lock()
	all := make([]*Properties, 0, len(c.saved)+1)
	all = append(all, c.saved...)
	all = append(all, c.props)
	c.mu.Unlock()

	for _, props := range all {
		c.failClosed(props, cause)
	}
}

func (c *Context) failClosed(props *Properties, cause error) {
	closedErr := &ClosedError{Channel: c.ch.ID(), Cause: cause}

	c.mu.Lock()
	w := props.write
	c.mu.Unlock()
	if w != nil {
		w.TryFail(closedErr)
	}

	if props.envelope == nil || props.response.IsDone() {
		return
	}
	c.deliver(props, props.envelope.Failure(), closedErr)
}
