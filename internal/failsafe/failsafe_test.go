package failsafe

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/herald/internal/channel"
	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/promise"
	"github.com/woozymasta/herald/internal/transport"
)

type probe struct{ message.BaseRequest }

var req = &probe{message.NewBaseRequest(netip.MustParseAddrPort("127.0.0.1:27015"), "1")}

func succeed(context.Context, int) *promise.Promise[message.Response] {
	return promise.Resolved[message.Response](message.NewBaseResponse(req.Recipient(), "1", "ok"))
}

func fastRetry() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoffInitialDelay = time.Millisecond
	cfg.RetryBackoffMaxDelay = 5 * time.Millisecond
	return cfg
}

func TestDelay(t *testing.T) {
	cfg := Config{
		RetryBackoffEnabled:      true,
		RetryBackoffInitialDelay: 100 * time.Millisecond,
		RetryBackoffMaxDelay:     time.Second,
		RetryBackoffFactor:       2,
		RetryDelay:               time.Minute,
	}
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, 800*time.Millisecond, cfg.Delay(4))
	assert.Equal(t, time.Second, cfg.Delay(5))
	assert.Equal(t, time.Second, cfg.Delay(50))

	cfg.RetryBackoffEnabled = false
	assert.Equal(t, time.Minute, cfg.Delay(3))
}

func TestRateLimitRejectsSecondSend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitEnabled = true
	cfg.RateLimitMaxExecutions = 1
	cfg.RateLimitPeriod = time.Minute
	cfg.RateLimitMaxWaitTime = 10 * time.Millisecond
	e := New(cfg)

	_, err := e.Execute(t.Context(), req, succeed).Wait(t.Context())
	require.NoError(t, err)

	var calls atomic.Int32
	_, err = e.Execute(t.Context(), req, func(ctx context.Context, n int) *promise.Promise[message.Response] {
		calls.Add(1)
		return succeed(ctx, n)
	}).Wait(t.Context())
	assert.ErrorIs(t, err, ErrRejected)
	assert.Zero(t, calls.Load())
	assert.False(t, e.Retryable(err))
}

func TestRateLimitWaitsWithinBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitEnabled = true
	cfg.RateLimitMaxExecutions = 1
	cfg.RateLimitPeriod = 30 * time.Millisecond
	cfg.RateLimitMaxWaitTime = time.Second
	e := New(cfg)

	start := time.Now()
	for range 2 {
		_, err := e.Execute(t.Context(), req, succeed).Wait(t.Context())
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRetriesWriteErrors(t *testing.T) {
	e := New(fastRetry())

	var calls atomic.Int32
	res, err := e.Execute(t.Context(), req, func(ctx context.Context, n int) *promise.Promise[message.Response] {
		calls.Add(1)
		if n < 3 {
			return promise.Rejected[message.Response](&transport.WriteError{Err: errors.New("unreachable")})
		}
		return succeed(ctx, n)
	}).Wait(t.Context())

	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content())
	assert.Equal(t, int32(3), calls.Load())
}

func TestMaxAttemptsError(t *testing.T) {
	e := New(fastRetry())
	cause := &transport.WriteError{Err: errors.New("unreachable")}

	_, err := e.Execute(t.Context(), req, func(context.Context, int) *promise.Promise[message.Response] {
		return promise.Rejected[message.Response](cause)
	}).Wait(t.Context())

	var maxErr *MaxAttemptsError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 3, maxErr.Attempts)
	assert.Equal(t, req.Recipient(), maxErr.Address)
	assert.Same(t, req, maxErr.Request)
	assert.ErrorIs(t, err, cause)
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	e := New(fastRetry())

	var calls atomic.Int32
	_, err := e.Execute(t.Context(), req, func(context.Context, int) *promise.Promise[message.Response] {
		calls.Add(1)
		return promise.Rejected[message.Response](errors.New("bad password"))
	}).Wait(t.Context())

	assert.EqualError(t, err, "bad password")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryableClassification(t *testing.T) {
	e := New(DefaultConfig())
	assert.True(t, e.Retryable(&channel.ClosedError{Cause: channel.ErrReadTimeout}))
	assert.False(t, e.Retryable(&channel.ClosedError{Cause: errors.New("reset")}))
	assert.False(t, e.Retryable(&channel.ClosedError{}))

	cfg := DefaultConfig()
	cfg.RetryOnClose = true
	e = New(cfg)
	assert.True(t, e.Retryable(&channel.ClosedError{Cause: errors.New("reset")}))
	assert.False(t, e.Retryable(&channel.ClosedError{}))
}

func TestDisabledRunsOnce(t *testing.T) {
	cfg := fastRetry()
	cfg.Enabled = false
	e := New(cfg)

	var calls atomic.Int32
	_, err := e.Execute(t.Context(), req, func(context.Context, int) *promise.Promise[message.Response] {
		calls.Add(1)
		return promise.Rejected[message.Response](&transport.WriteError{Err: errors.New("x")})
	}).Wait(t.Context())

	assert.True(t, transport.IsWriteError(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelStopsRunningAttempt(t *testing.T) {
	e := New(fastRetry())
	attempt := promise.New[message.Response]()

	result := e.Execute(t.Context(), req, func(context.Context, int) *promise.Promise[message.Response] {
		return attempt
	})
	result.Cancel()

	select {
	case <-attempt.Done():
		assert.True(t, attempt.IsCancelled())
	case <-time.After(time.Second):
		t.Fatal("attempt not cancelled")
	}
}
