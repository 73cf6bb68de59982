// Package failsafe wraps sends with rate limiting and retries.
package failsafe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/herald/internal/channel"
	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/pool"
	"github.com/woozymasta/herald/internal/promise"
	"github.com/woozymasta/herald/internal/transport"
	"golang.org/x/time/rate"
)

// ErrRejected is returned when the rate limiter refuses a send.
var ErrRejected = errors.New("request rejected by rate limiter")

// MaxAttemptsError reports a send that failed on every allowed attempt.
type MaxAttemptsError struct {
	Cause    error
	Request  message.Request
	Address  netip.AddrPort
	Attempts int
}

func (e *MaxAttemptsError) Error() string {
	return fmt.Sprintf("%s to %s failed after %d attempts: %v",
		message.TypeName(e.Request), e.Address, e.Attempts, e.Cause)
}

// Unwrap returns the last failure.
func (e *MaxAttemptsError) Unwrap() error { return e.Cause }

// Attempt performs one try of a send. attempt counts from 1.
type Attempt func(ctx context.Context, attempt int) *promise.Promise[message.Response]

// Executor runs attempts under a Config.
type Executor struct {
	limiter *rate.Limiter
	log     zerolog.Logger
	cfg     Config
}

// New returns an executor for cfg.
func New(cfg Config) *Executor {
	e := &Executor{
		cfg: cfg,
		log: log.With().Str("component", "failsafe").Logger(),
	}
	if cfg.Enabled && cfg.RateLimitEnabled && cfg.RateLimitMaxExecutions > 0 && cfg.RateLimitPeriod > 0 {
		every := cfg.RateLimitPeriod / time.Duration(cfg.RateLimitMaxExecutions)
		e.limiter = rate.NewLimiter(rate.Every(every), cfg.RateLimitMaxExecutions)
	}
	return e
}

// Config returns the executor policy.
func (e *Executor) Config() Config { return e.cfg }

// Execute runs fn until it succeeds, fails with a permanent error or runs out of
// attempts. Cancelling the returned promise cancels the running attempt.
func (e *Executor) Execute(ctx context.Context, req message.Request, fn Attempt) *promise.Promise[message.Response] {
	if !e.cfg.Enabled {
		return fn(ctx, 1)
	}

	result := promise.New[message.Response]()
	go e.run(ctx, req, fn, result)
	return result
}

func (e *Executor) run(ctx context.Context, req message.Request, fn Attempt, result *promise.Promise[message.Response]) {
	limit := e.cfg.maxAttempts()

	for attempt := 1; ; attempt++ {
		if err := e.acquire(ctx, result); err != nil {
			result.TryFail(err)
			return
		}

		p := fn(ctx, attempt)
		select {
		case <-p.Done():
		case <-result.Done():
			p.Cancel()
			return
		}

		res, err := p.Result()
		if err == nil {
			result.TrySucceed(res)
			return
		}
		if p.IsCancelled() || !e.Retryable(err) {
			result.TryFail(err)
			return
		}
		if attempt >= limit {
			if limit > 1 {
				err = &MaxAttemptsError{
					Cause:    err,
					Request:  req,
					Address:  req.Recipient(),
					Attempts: attempt,
				}
			}
			result.TryFail(err)
			return
		}

		delay := e.cfg.Delay(attempt)
		e.log.Debug().
			Err(err).
			Str("request", message.Describe(req)).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying request")

		if !sleep(ctx, result, delay) {
			result.TryFail(errOf(ctx))
			return
		}
	}
}

// acquire takes a rate permit, waiting at most RateLimitMaxWaitTime.
func (e *Executor) acquire(ctx context.Context, result *promise.Promise[message.Response]) error {
	if e.limiter == nil {
		return nil
	}

	r := e.limiter.Reserve()
	if !r.OK() {
		return ErrRejected
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if delay > e.cfg.RateLimitMaxWaitTime {
		r.Cancel()
		return fmt.Errorf("%w: next permit in %s", ErrRejected, delay.Round(time.Millisecond))
	}
	if !sleep(ctx, result, delay) {
		r.Cancel()
		return errOf(ctx)
	}
	return nil
}

// Retryable reports whether err is a transient transport failure.
func (e *Executor) Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrRejected) {
		return false
	}
	if transport.IsWriteError(err) ||
		errors.Is(err, channel.ErrReadTimeout) ||
		errors.Is(err, pool.ErrAcquireTimeout) {
		return true
	}

	var closed *channel.ClosedError
	if errors.As(err, &closed) {
		return e.cfg.RetryOnClose && !closed.Clean()
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleep(ctx context.Context, result *promise.Promise[message.Response], d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil && !result.IsDone()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-result.Done():
		return false
	}
}

func errOf(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return promise.ErrCancelled
}
