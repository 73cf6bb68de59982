// Package messenger sends requests to game servers and completes their promises
// with the correlated responses.
//
// Every request is registered as a session, written on a channel obtained from a
// Provider and completed through a single funnel, Receive. Connected channels
// correlate through the context bound to them; shared datagram sockets correlate
// through the transaction id of the session registry.
package messenger

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/herald/internal/channel"
	"github.com/woozymasta/herald/internal/codec"
	"github.com/woozymasta/herald/internal/failsafe"
	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/promise"
	"github.com/woozymasta/herald/internal/session"
	"github.com/woozymasta/herald/internal/transport"
)

// Messenger orchestrates request/response exchanges.
type Messenger struct {
	transport transport.Transport
	provider  Provider
	decoder   codec.Decoder
	registry  *session.Registry
	failsafe  *failsafe.Executor
	log       zerolog.Logger
	queue     *queue
	stop      chan struct{}
	opts      Options
	closeOnce sync.Once
	closed    atomic.Bool
}

// New returns a messenger writing with tr on channels of provider. dec decodes
// inbound frames; it may be nil when the transport completes exchanges itself.
func New(tr transport.Transport, provider Provider, dec codec.Decoder, opts Options) *Messenger {
	opts = opts.withDefaults()
	logger := log.With().Str("component", "messenger").Str("messenger", opts.Name).Logger()

	m := &Messenger{
		transport: tr,
		provider:  provider,
		decoder:   dec,
		opts:      opts,
		log:       logger,
		stop:      make(chan struct{}),
		failsafe:  failsafe.New(opts.Failsafe),
		registry: session.NewRegistry(
			session.WithKeyFunc(opts.KeyFunc),
			session.WithTimeout(opts.SessionTimeout),
			session.WithLogger(logger),
		),
	}
	m.queue = newQueue(m, opts.Mode, opts.QueueSize)

	return m
}

// Registry returns the session registry.
func (m *Messenger) Registry() *session.Registry { return m.registry }

// Pending returns the number of requests waiting for an outcome.
func (m *Messenger) Pending() int { return m.registry.Len() }

// Send dispatches req to its recipient. The promise completes with the response,
// a typed failure, or ErrCancelled when ctx ends or the caller cancels it.
func (m *Messenger) Send(ctx context.Context, req message.Request) *promise.Promise[message.Response] {
	if m.closed.Load() {
		return promise.Rejected[message.Response](ErrClosed)
	}

	p := m.failsafe.Execute(ctx, req, func(ctx context.Context, attempt int) *promise.Promise[message.Response] {
		return m.dispatch(ctx, req, attempt)
	})

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() { p.Cancel() })
		p.OnComplete(func(*promise.Promise[message.Response]) { stop() })
	}
	return p
}

// dispatch performs one attempt: register, acquire a channel, write.
func (m *Messenger) dispatch(ctx context.Context, req message.Request, attempt int) *promise.Promise[message.Response] {
	p := promise.New[message.Response]()
	if m.closed.Load() {
		p.TryFail(ErrClosed)
		return p
	}

	details := session.NewDetails(req, p, m.opts.Name)
	for range attempt - 1 {
		details.IncRetries()
	}
	m.advance(details, session.StatusAccepted)

	id, err := m.registry.Create(details)
	if err != nil {
		p.TryFail(&ResponseError{Err: err, Request: req})
		return p
	}
	m.advance(details, session.StatusRegistered)
	p.OnComplete(func(*promise.Promise[message.Response]) {
		m.advance(details, session.StatusDone)
	})
	m.registry.StartSession(id)

	env := message.NewEnvelope(req, p, m)
	acquired := m.provider.Acquire(ctx, req.Recipient(), m)
	p.OnComplete(func(*promise.Promise[message.Response]) { acquired.Cancel() })

	acquired.OnComplete(func(a *promise.Promise[channel.Channel]) {
		ch, err := a.Result()
		if err != nil {
			if !a.IsCancelled() {
				m.Receive(env.Failure(), err)
			}
			return
		}
		if !ch.Loop().Execute(func() { m.write(ch, env, details) }) {
			m.Receive(env.Failure(), &channel.ClosedError{Channel: ch.ID(), Cause: ch.Cause()})
		}
	})

	return p
}

// write attaches env to a context of ch and hands it to the transport.
// It runs on the channel loop.
func (m *Messenger) write(ch channel.Channel, env *message.Envelope, details *session.Details) {
	if env.IsDone() {
		m.provider.Release(ch)
		return
	}

	c, err := m.contextFor(ch)
	if err != nil {
		m.provider.Release(ch)
		m.Receive(env.Failure(), err)
		return
	}

	c.Attach(env)
	if env.IsDone() {
		return
	}
	m.advance(details, session.StatusAwait)

	if _, err := c.BeginWrite(); err != nil {
		c.ReceiveError(err)
		return
	}

	m.transport.Send(c).OnComplete(func(w *promise.Promise[*channel.Context]) {
		if err := w.Err(); err != nil {
			m.Receive(env.Failure(), err)
			return
		}
		m.advance(details, session.StatusSent)
	})
}

// contextFor returns the context of the next exchange on ch. Shared channels get a
// detached context per exchange; connected ones reuse their bound context.
func (m *Messenger) contextFor(ch channel.Channel) (*channel.Context, error) {
	if ch.Shared() {
		return channel.NewContext(ch, m,
			channel.Detached(),
			channel.WithReleaser(m.provider),
			channel.WithContextLogger(m.log))
	}
	if bound := ch.Bound(); bound != nil {
		bound.Save()
		return bound, nil
	}
	return channel.NewContext(ch, m,
		channel.WithReleaser(m.provider),
		channel.WithContextLogger(m.log))
}

// Receive is the completion funnel of every exchange.
func (m *Messenger) Receive(env *message.Envelope, err error) {
	p := env.Promise()
	if p.IsDone() {
		m.log.Trace().
			Err(err).
			Str("request", describe(env.Origin())).
			Str("state", p.State().String()).
			Msg("Completion of finished exchange ignored")
		return
	}

	if err != nil {
		if p.TryFail(&ResponseError{Err: err, Request: env.Origin()}) {
			m.log.Debug().Err(err).Str("request", describe(env.Origin())).Msg("Request failed")
		}
		return
	}

	res := env.Response()
	if res == nil {
		p.TryFail(&ResponseError{Err: errors.New("empty response"), Request: env.Origin()})
		return
	}
	if !res.Sender().IsValid() {
		res.SetSender(env.Sender())
	}
	p.TrySucceed(res)
}

// HandleInbound decodes a frame read from ch and routes it to its exchange.
func (m *Messenger) HandleInbound(ch channel.Channel, data []byte, from netip.AddrPort) {
	if m.decoder == nil {
		m.log.Warn().Str("channel", ch.ID()).Msg("Inbound frame without decoder dropped")
		return
	}
	res, err := m.decoder.Decode(data, from)

	if bound := ch.Bound(); bound != nil && !ch.Shared() {
		switch {
		case err != nil:
			bound.ReceiveError(err)
		case res != nil:
			if !res.Sender().IsValid() {
				res.SetSender(from)
			}
			bound.Receive(res)
		}
		return
	}

	if err != nil {
		m.unmatched(nil, from, err)
		return
	}
	if res == nil {
		return
	}
	if !res.Sender().IsValid() {
		res.SetSender(from)
	}

	s, err := m.registry.FindByTransaction(res.TransactionID(), from)
	if err != nil {
		m.unmatched(res, from, err)
		return
	}
	if s.Request().Recipient() != from {
		m.log.Debug().
			Str("txid", res.TransactionID()).
			Str("from", from.String()).
			Str("recipient", s.Request().Recipient().String()).
			Msg("Response correlated from unexpected address")
	}

	res.SetRequest(s.Request())
	m.Receive(message.NewEnvelope(s.Request(), s.Promise(), m).Reply(res), nil)
}

// unmatched reports a response no pending request is waiting for.
func (m *Messenger) unmatched(res message.Response, from netip.AddrPort, err error) {
	if !errors.Is(err, session.ErrNoSession) && !errors.Is(err, session.ErrBlankTransaction) {
		err = errors.Join(ErrUnmatched, err)
	}
	ev := m.log.Error().Err(err).Str("from", from.String()).Int("pending", m.registry.Len())
	if res != nil {
		ev = ev.Str("response", message.Describe(res))
	}
	ev.Msg("Response without pending request")

	if m.opts.OnUnmatched != nil {
		m.opts.OnUnmatched(res, err)
	}
}

func (m *Messenger) advance(d *session.Details, to session.Status) {
	if err := d.Advance(to); err != nil {
		m.log.Trace().Err(err).Str("request", message.Describe(d.Request())).Msg("Status not advanced")
	}
}

// Close stops intake, waits up to DrainTimeout for in-flight requests, fails the
// remaining ones and closes the registry, the transport and the provider in that order.
func (m *Messenger) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.stop)
		m.queue.shutdown()

		if !m.drain(m.opts.DrainTimeout) {
			n := 0
			for _, s := range m.registry.Entries() {
				if s.Promise().TryFail(&ResponseError{Err: ErrClosed, Request: s.Request()}) {
					n++
				}
			}
			m.log.Warn().Int("failed", n).Dur("timeout", m.opts.DrainTimeout).Msg("In-flight requests failed on close")
		}

		err = errors.Join(
			m.registry.Close(),
			m.transport.Close(),
			m.provider.Close(),
		)
		m.log.Debug().Msg("Messenger closed")
	})
	return err
}

// drain waits for the registry to empty.
func (m *Messenger) drain(timeout time.Duration) bool {
	if m.registry.Len() == 0 {
		return true
	}
	m.log.Info().Int("pending", m.registry.Len()).Msg("Waiting for in-flight requests")

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline.C:
			return m.registry.Len() == 0
		case <-tick.C:
			if m.registry.Len() == 0 {
				return true
			}
		}
	}
}

func describe(req message.Request) string {
	if req == nil {
		return "<none>"
	}
	return message.Describe(req)
}
