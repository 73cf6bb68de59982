package channel

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/promise"
)

type pingRequest struct{ message.BaseRequest }

// completer finishes envelopes the way the messenger does.
type completer struct {
	calls atomic.Int32
	panic bool
}

func (c *completer) Receive(env *message.Envelope, err error) {
	c.calls.Add(1)
	if c.panic {
		panic("receiver failure")
	}
	if err != nil {
		env.Promise().TryFail(err)
		return
	}
	env.Promise().TrySucceed(env.Response())
}

type fakeReleaser struct {
	released atomic.Int32
	pooled   bool
}

func (r *fakeReleaser) Release(Channel) *promise.Promise[bool] {
	r.released.Add(1)
	return promise.Resolved(true)
}

func (r *fakeReleaser) IsPooled(Channel) bool { return r.pooled }

func attach(t *testing.T, c *Context, txID string) (*message.Envelope, *promise.Promise[message.Response]) {
	t.Helper()
	p := promise.New[message.Response]()
	env := message.NewEnvelope(&pingRequest{message.NewBaseRequest(testRemote, txID)}, p, c.Receiver())
	c.Attach(env)
	return env, p
}

func wait(t *testing.T, p *promise.Promise[message.Response]) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("promise not completed")
	}
}

func TestNewContextRejectsClosedChannel(t *testing.T) {
	v := NewVirtual(testRemote, nil, nil)
	require.NoError(t, v.Close())

	_, err := NewContext(v, &completer{})
	assert.ErrorIs(t, err, ErrInactiveChannel)

	_, err = NewContext(NewVirtual(testRemote, nil, nil), nil)
	assert.ErrorIs(t, err, ErrNoReceiver)
}

func TestContextBindsChannel(t *testing.T) {
	v := NewVirtual(testRemote, nil, nil)
	c, err := NewContext(v, &completer{})
	require.NoError(t, err)
	assert.Same(t, c, v.Bound())

	shared := NewVirtual(testRemote, nil, nil, AsShared())
	_, err = NewContext(shared, &completer{}, Detached())
	require.NoError(t, err)
	assert.Nil(t, shared.Bound())
}

func TestReceiveCompletesAndReleases(t *testing.T) {
	v := NewVirtual(testRemote, nil, nil)
	c, err := NewContext(v, &completer{})
	require.NoError(t, err)

	_, p := attach(t, c, "A1")
	c.Receive(message.NewBaseResponse(testRemote, "a1", "pong"))
	wait(t, p)

	res, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Content())
	assert.NotNil(t, res.Request())
	assert.False(t, v.Active(), "unpooled channel closes on completion")
}

func TestPooledChannelIsReleasedNotClosed(t *testing.T) {
	v := NewVirtual(testRemote, nil, nil)
	r := &fakeReleaser{pooled: true}
	c, err := NewContext(v, &completer{}, WithReleaser(r))
	require.NoError(t, err)

	_, p := attach(t, c, "1")
	c.Receive(message.NewBaseResponse(testRemote, "1", nil))
	wait(t, p)

	assert.Equal(t, int32(1), r.released.Load())
	assert.True(t, v.Active())

	// a second release of the same exchange is ignored
	c.Close()
	assert.Equal(t, int32(1), r.released.Load())
}

func TestAutoReleaseDisabled(t *testing.T) {
	v := NewVirtual(testRemote, nil, nil)
	c, err := NewContext(v, &completer{}, WithAutoRelease(false))
	require.NoError(t, err)

	_, p := attach(t, c, "1")
	c.Receive(message.NewBaseResponse(testRemote, "1", nil))
	wait(t, p)
	assert.True(t, v.Active())

	c.Close()
	assert.False(t, v.Active())
}

func TestDetachedReleaseKeepsSharedChannel(t *testing.T) {
	v := NewVirtual(testRemote, nil, nil, AsShared())
	c, err := NewContext(v, &completer{}, Detached())
	require.NoError(t, err)

	_, p := attach(t, c, "1")
	c.Receive(message.NewBaseResponse(testRemote, "1", nil))
	wait(t, p)
	assert.True(t, v.Active())

	// the guard is gone: closing the channel no longer reaches this context
	require.NoError(t, v.Close())
	assert.True(t, p.IsSuccess())
}

func TestCompletionHappensAtMostOnce(t *testing.T) {
	for range 100 {
		v := NewVirtual(testRemote, nil, nil)
		rec := &completer{}
		c, err := NewContext(v, rec, WithAutoRelease(false))
		require.NoError(t, err)
		_, p := attach(t, c, "1")

		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		wg.Add(3)
		go func() {
			defer wg.Done()
			if ok, _ := c.MarkSuccess(message.NewBaseResponse(testRemote, "1", nil)); ok {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if ok, _ := c.MarkInError(errors.New("failed")); ok {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if p.Cancel() {
				wins.Add(1)
			}
		}()
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		_, err = c.MarkSuccess(message.NewBaseResponse(testRemote, "1", nil))
		assert.ErrorIs(t, err, ErrResponseReceived)
	}
}

func TestMarkWithoutAttach(t *testing.T) {
	c, err := NewContext(NewVirtual(testRemote, nil, nil), &completer{})
	require.NoError(t, err)

	_, err = c.MarkSuccess(nil)
	assert.ErrorIs(t, err, ErrNotAttached)
	_, err = c.MarkInError(errors.New("x"))
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestReceiverPanicFailsExchange(t *testing.T) {
	c, err := NewContext(NewVirtual(testRemote, nil, nil), &completer{panic: true})
	require.NoError(t, err)

	_, p := attach(t, c, "1")
	c.Receive(message.NewBaseResponse(testRemote, "1", nil))
	wait(t, p)

	assert.ErrorContains(t, p.Err(), "receiver failure")
	assert.Error(t, c.Properties().Err())
}

func TestCloseBeforeResponse(t *testing.T) {
	t.Run("clean", func(t *testing.T) {
		v := NewVirtual(testRemote, nil, nil)
		c, err := NewContext(v, &completer{})
		require.NoError(t, err)
		_, p := attach(t, c, "1")

		require.NoError(t, v.Close())
		wait(t, p)

		var closed *ClosedError
		require.ErrorAs(t, p.Err(), &closed)
		assert.True(t, closed.Clean())
	})

	t.Run("caused", func(t *testing.T) {
		v := NewVirtual(testRemote, nil, nil)
		c, err := NewContext(v, &completer{})
		require.NoError(t, err)
		_, p := attach(t, c, "1")

		cause := errors.New("connection reset")
		require.NoError(t, v.CloseWithCause(cause))
		wait(t, p)

		assert.ErrorIs(t, p.Err(), ErrChannelClosed)
		assert.ErrorIs(t, p.Err(), cause)
	})

	t.Run("closed before attach", func(t *testing.T) {
		v := NewVirtual(testRemote, nil, nil)
		c, err := NewContext(v, &completer{})
		require.NoError(t, err)
		require.NoError(t, v.Close())

		_, p := attach(t, c, "1")
		wait(t, p)
		assert.ErrorIs(t, p.Err(), ErrChannelClosed)
	})
}

func TestStaleResponseOfSavedExchangeDropped(t *testing.T) {
	v := NewVirtual(testRemote, nil, nil)
	rec := &completer{}
	c, err := NewContext(v, rec, WithAutoRelease(false))
	require.NoError(t, err)

	_, first := attach(t, c, "1")
	first.Cancel()

	c.Save()
	assert.Equal(t, 1, c.SavedLen())
	_, second := attach(t, c, "2")

	c.Receive(message.NewBaseResponse(testRemote, "1", nil))
	assert.False(t, second.IsDone())
	assert.Zero(t, rec.calls.Load())

	c.Receive(message.NewBaseResponse(testRemote, "2", "ok"))
	wait(t, second)
	assert.True(t, second.IsSuccess())
}

func TestMismatchedResponseFails(t *testing.T) {
	c, err := NewContext(NewVirtual(testRemote, nil, nil), &completer{})
	require.NoError(t, err)
	_, p := attach(t, c, "1")

	c.Receive(message.NewBaseResponse(testRemote, "9", nil))
	wait(t, p)

	var mismatch *MismatchError
	require.ErrorAs(t, p.Err(), &mismatch)
	assert.Equal(t, "1", mismatch.Expected)
	assert.Equal(t, "9", mismatch.Got)
}

func TestSaveRestore(t *testing.T) {
	c, err := NewContext(NewVirtual(testRemote, nil, nil), &completer{})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Restore(), ErrNothingSaved)

	attach(t, c, "1")
	c.Save()
	assert.Nil(t, c.Request())
	require.NoError(t, c.Restore())
	assert.Equal(t, "1", c.Request().TransactionID())

	for range maxSavedProperties + 3 {
		c.Save()
	}
	assert.Equal(t, maxSavedProperties, c.SavedLen())
	c.Clear()
	assert.Zero(t, c.SavedLen())
}

func TestWriteLifecycle(t *testing.T) {
	v := NewVirtual(testRemote, nil, nil)
	c, err := NewContext(v, &completer{})
	require.NoError(t, err)

	w, err := c.BeginWrite()
	require.NoError(t, err)
	_, err = c.BeginWrite()
	assert.ErrorIs(t, err, ErrWriteInProgress)

	c.EndWrite(nil)
	got, err := w.Wait(t.Context())
	require.NoError(t, err)
	assert.Same(t, c, got)
	assert.Nil(t, c.WritePromise())

	w, err = c.BeginWrite()
	require.NoError(t, err)
	c.EndWrite(errors.New("broken pipe"))
	_, err = w.Wait(t.Context())
	assert.ErrorContains(t, err, "broken pipe")
}

func TestEndWriteAfterShutdownCompletesInline(t *testing.T) {
	v := NewVirtual(testRemote, nil, nil)
	c, err := NewContext(v, &completer{})
	require.NoError(t, err)

	w, err := c.BeginWrite()
	require.NoError(t, err)
	v.Loop().Shutdown()

	c.EndWrite(nil)
	assert.True(t, w.IsDone())
	assert.ErrorIs(t, w.Err(), ErrChannelClosed)
}

func TestInboundDispatchRunsOnLoop(t *testing.T) {
	var v *Virtual
	got := make(chan netip.AddrPort, 1)
	v = NewVirtual(testRemote, HandlerFunc(func(ch Channel, _ []byte, from netip.AddrPort) {
		assert.Same(t, v, ch)
		got <- from
	}), nil)

	v.Inject([]byte{1}, testRemote)
	select {
	case from := <-got:
		assert.Equal(t, testRemote, from)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}
