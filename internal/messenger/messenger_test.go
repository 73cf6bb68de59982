package messenger

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/herald/internal/channel"
	"github.com/woozymasta/herald/internal/codec"
	"github.com/woozymasta/herald/internal/failsafe"
	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/pool"
	"github.com/woozymasta/herald/internal/promise"
	"github.com/woozymasta/herald/internal/session"
	"github.com/woozymasta/herald/internal/transport"
)

var server = netip.MustParseAddrPort("127.0.0.1:27015")

type testRequest struct{ message.BaseRequest }

func newRequest(txID string) *testRequest {
	return &testRequest{message.NewBaseRequest(server, txID)}
}

// lineCodec writes the transaction id and reads "txid|content" answers.
type lineCodec struct{}

func (lineCodec) Encode(req message.Request) ([]byte, error) {
	return []byte(req.TransactionID()), nil
}

func (lineCodec) Decode(data []byte, _ netip.AddrPort) (message.Response, error) {
	txID, content, ok := strings.Cut(string(data), "|")
	if !ok {
		return nil, errors.New("malformed answer")
	}
	return message.NewBaseResponse(netip.AddrPort{}, txID, content), nil
}

// wire is one frame written by the messenger.
type wire struct {
	ch   *channel.Virtual
	to   netip.AddrPort
	data string
}

func (w wire) answer(payload string) {
	w.ch.Inject([]byte(payload), w.to)
}

// virtualNet dials in-memory channels and records what is written on them.
type virtualNet struct {
	writes    chan wire
	writeErr  error
	mu        sync.Mutex
	dials     int
	listeners int
}

func newVirtualNet() *virtualNet {
	return &virtualNet{writes: make(chan wire, 64)}
}

func (n *virtualNet) open(addr netip.AddrPort, h channel.Handler, opts ...channel.VirtualOption) *channel.Virtual {
	var v *channel.Virtual
	v = channel.NewVirtual(addr, h, func(data []byte, to netip.AddrPort) error {
		n.mu.Lock()
		err := n.writeErr
		n.mu.Unlock()
		if err != nil {
			return err
		}
		n.writes <- wire{ch: v, to: to, data: string(data)}
		return nil
	}, opts...)
	return v
}

func (n *virtualNet) Dial(_ context.Context, addr netip.AddrPort, h channel.Handler) (channel.Channel, error) {
	n.mu.Lock()
	n.dials++
	n.mu.Unlock()
	return n.open(addr, h), nil
}

func (n *virtualNet) ListenShared(h channel.Handler) (channel.Channel, error) {
	n.mu.Lock()
	n.listeners++
	n.mu.Unlock()
	return n.open(netip.AddrPort{}, h, channel.AsShared()), nil
}

func (n *virtualNet) next(t *testing.T) wire {
	t.Helper()
	select {
	case w := <-n.writes:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("nothing written")
		return wire{}
	}
}

func (n *virtualNet) quiet(t *testing.T) {
	t.Helper()
	select {
	case w := <-n.writes:
		t.Fatalf("unexpected write %q", w.data)
	case <-time.After(50 * time.Millisecond):
	}
}

func newMessenger(t *testing.T, provider Provider, opts Options) *Messenger {
	t.Helper()
	m := New(transport.NewNetwork(lineCodec{}), provider, lineCodec{}, opts)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func await(t *testing.T, p *promise.Promise[message.Response]) (message.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "promise did not complete")
	return res, err
}

func requireNoPending(t *testing.T, m *Messenger) {
	t.Helper()
	assert.Eventually(t, func() bool { return m.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSendCorrelatesIgnoringCase(t *testing.T) {
	for name, shared := range map[string]bool{"connected": false, "shared": true} {
		t.Run(name, func(t *testing.T) {
			net := newVirtualNet()
			var provider Provider = NewDialProvider(net)
			if shared {
				provider = NewSharedProvider(net)
			}
			m := newMessenger(t, provider, Options{})

			p := m.Send(t.Context(), newRequest("A1"))
			w := net.next(t)
			assert.Equal(t, "A1", w.data)
			assert.Equal(t, server, w.to)

			w.answer("a1|pong")
			res, err := await(t, p)
			require.NoError(t, err)
			assert.Equal(t, "pong", res.Content())
			assert.Equal(t, server, res.Sender())
			assert.Equal(t, "A1", res.Request().TransactionID())
			requireNoPending(t, m)

			if !shared {
				assert.Eventually(t, func() bool { return !w.ch.Active() }, time.Second, 5*time.Millisecond,
					"one-shot channel closes after the exchange")
			} else {
				assert.True(t, w.ch.Active())
			}
		})
	}
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	net := newVirtualNet()
	m := newMessenger(t, NewSharedProvider(net), Options{})

	const n = 20
	promises := make([]*promise.Promise[message.Response], n)
	for i := range n {
		promises[i] = m.Send(t.Context(), newRequest(fmt.Sprintf("T%d", i)))
	}

	written := make([]wire, 0, n)
	for range n {
		written = append(written, net.next(t))
	}
	assert.Equal(t, n, m.Pending())

	for i := len(written) - 1; i >= 0; i-- {
		w := written[i]
		w.answer(strings.ToLower(w.data) + "|" + w.data)
	}

	for i, p := range promises {
		res, err := await(t, p)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("T%d", i), res.Content())
	}
	requireNoPending(t, m)
}

func TestCloseBeforeResponse(t *testing.T) {
	net := newVirtualNet()
	m := newMessenger(t, NewDialProvider(net), Options{})

	p := m.Send(t.Context(), newRequest("1"))
	w := net.next(t)
	assert.Equal(t, 1, m.Pending())

	require.NoError(t, w.ch.CloseWithCause(errors.New("connection reset")))
	_, err := await(t, p)

	var closed *channel.ClosedError
	require.ErrorAs(t, err, &closed)
	assert.False(t, closed.Clean())
	var resErr *ResponseError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "1", resErr.Request.TransactionID())
	requireNoPending(t, m)
}

func TestWriteFailureFailsImmediately(t *testing.T) {
	net := newVirtualNet()
	net.writeErr = errors.New("network unreachable")
	m := newMessenger(t, NewDialProvider(net), Options{})

	_, err := await(t, m.Send(t.Context(), newRequest("1")))
	assert.True(t, transport.IsWriteError(err))
	assert.ErrorIs(t, err, net.writeErr)
	requireNoPending(t, m)
}

func TestDecodeErrorFailsBoundExchange(t *testing.T) {
	net := newVirtualNet()
	m := newMessenger(t, NewDialProvider(net), Options{})

	p := m.Send(t.Context(), newRequest("1"))
	net.next(t).answer("garbage")

	_, err := await(t, p)
	assert.ErrorContains(t, err, "malformed answer")
}

func TestUnmatchedResponseIsReported(t *testing.T) {
	net := newVirtualNet()
	unmatched := make(chan error, 2)
	m := newMessenger(t, NewSharedProvider(net), Options{
		OnUnmatched: func(_ message.Response, err error) { unmatched <- err },
	})

	p := m.Send(t.Context(), newRequest("1"))
	w := net.next(t)

	w.answer("zz|late")
	select {
	case err := <-unmatched:
		assert.ErrorIs(t, err, session.ErrNoSession)
	case <-time.After(time.Second):
		t.Fatal("unmatched response not reported")
	}

	w.answer("|blank")
	select {
	case err := <-unmatched:
		assert.ErrorIs(t, err, session.ErrBlankTransaction)
	case <-time.After(time.Second):
		t.Fatal("blank response not reported")
	}

	assert.False(t, p.IsDone())
	w.answer("1|ok")
	_, err := await(t, p)
	require.NoError(t, err)
}

func TestContextCancelCancelsExchange(t *testing.T) {
	net := newVirtualNet()
	m := newMessenger(t, NewDialProvider(net), Options{})

	ctx, cancel := context.WithCancel(t.Context())
	p := m.Send(ctx, newRequest("1"))
	w := net.next(t)

	cancel()
	_, err := await(t, p)
	assert.ErrorIs(t, err, promise.ErrCancelled)
	assert.True(t, p.IsCancelled())
	requireNoPending(t, m)
	assert.Eventually(t, func() bool { return !w.ch.Active() }, time.Second, 5*time.Millisecond)
}

func TestSessionTimeout(t *testing.T) {
	net := newVirtualNet()
	m := newMessenger(t, NewDialProvider(net), Options{SessionTimeout: 30 * time.Millisecond})

	p := m.Send(t.Context(), newRequest("1"))
	net.next(t)

	_, err := await(t, p)
	assert.ErrorIs(t, err, session.ErrTimeout)
	requireNoPending(t, m)
}

func TestPooledChannelIsReused(t *testing.T) {
	net := newVirtualNet()
	pl := pool.New(net, pool.Config{MaxConnections: 1, AcquireTimeout: time.Second})
	m := newMessenger(t, pl, Options{})

	first := m.Send(t.Context(), newRequest("1"))
	w1 := net.next(t)
	w1.answer("1|one")
	_, err := await(t, first)
	require.NoError(t, err)

	second := m.Send(t.Context(), newRequest("2"))
	w2 := net.next(t)
	assert.Same(t, w1.ch, w2.ch)

	// a duplicate answer to the first exchange must not complete the second
	w2.answer("1|one")
	w2.answer("2|two")
	res, err := await(t, second)
	require.NoError(t, err)
	assert.Equal(t, "two", res.Content())

	net.mu.Lock()
	assert.Equal(t, 1, net.dials)
	net.mu.Unlock()
	assert.Eventually(t, func() bool { return pl.Stats(server) == pool.Stats{Idle: 1} }, time.Second, 5*time.Millisecond)
}

func TestRateLimitRejectsSecondSend(t *testing.T) {
	net := newVirtualNet()
	cfg := failsafe.DefaultConfig()
	cfg.RateLimitEnabled = true
	cfg.RateLimitMaxExecutions = 1
	cfg.RateLimitPeriod = time.Minute
	m := newMessenger(t, NewSharedProvider(net), Options{Failsafe: cfg})

	first := m.Send(t.Context(), newRequest("1"))
	w := net.next(t)
	second := m.Send(t.Context(), newRequest("2"))

	_, err := await(t, second)
	assert.ErrorIs(t, err, failsafe.ErrRejected)

	w.answer("1|ok")
	_, err = await(t, first)
	require.NoError(t, err)
}

func TestRetryAfterWriteFailure(t *testing.T) {
	net := newVirtualNet()
	net.writeErr = errors.New("no buffer space")
	cfg := failsafe.DefaultConfig()
	cfg.RetryBackoffInitialDelay = 20 * time.Millisecond
	m := newMessenger(t, NewDialProvider(net), Options{Failsafe: cfg})

	p := m.Send(t.Context(), newRequest("1"))
	time.Sleep(5 * time.Millisecond)
	net.mu.Lock()
	net.writeErr = nil
	net.mu.Unlock()

	net.next(t).answer("1|ok")
	res, err := await(t, p)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content())
}

func TestSyncQueueKeepsOrder(t *testing.T) {
	net := newVirtualNet()
	m := newMessenger(t, NewSharedProvider(net), Options{Mode: ModeSync})

	first := m.Enqueue(t.Context(), newRequest("K"))
	second := m.Enqueue(t.Context(), newRequest("K"))

	w := net.next(t)
	net.quiet(t)
	assert.False(t, second.IsDone())

	w.answer("K|first")
	res, err := await(t, first)
	require.NoError(t, err)
	assert.Equal(t, "first", res.Content())

	net.next(t).answer("K|second")
	res, err = await(t, second)
	require.NoError(t, err)
	assert.Equal(t, "second", res.Content())
}

func TestAsyncQueue(t *testing.T) {
	net := newVirtualNet()
	m := newMessenger(t, NewSharedProvider(net), Options{Mode: ModeAsync})

	a := m.Enqueue(t.Context(), newRequest("A"))
	b := m.Enqueue(t.Context(), newRequest("B"))
	dup := m.Enqueue(t.Context(), newRequest("A"))

	got := map[string]wire{}
	for range 2 {
		w := net.next(t)
		got[w.data] = w
	}
	require.Contains(t, got, "A")
	require.Contains(t, got, "B")
	net.quiet(t)

	got["B"].answer("B|b")
	_, err := await(t, b)
	require.NoError(t, err)
	assert.False(t, dup.IsDone())

	got["A"].answer("A|a1")
	res, err := await(t, a)
	require.NoError(t, err)
	assert.Equal(t, "a1", res.Content())

	net.next(t).answer("A|a2")
	res, err = await(t, dup)
	require.NoError(t, err)
	assert.Equal(t, "a2", res.Content())
}

func TestCloseFailsInFlightAndQueued(t *testing.T) {
	net := newVirtualNet()
	m := New(transport.NewNetwork(lineCodec{}), NewSharedProvider(net), lineCodec{}, Options{
		Mode:         ModeSync,
		DrainTimeout: 30 * time.Millisecond,
	})

	inFlight := m.Enqueue(t.Context(), newRequest("1"))
	queued := m.Enqueue(t.Context(), newRequest("2"))
	net.next(t)

	require.NoError(t, m.Close())

	_, err := await(t, inFlight)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = await(t, queued)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, m.Pending())

	_, err = await(t, m.Send(t.Context(), newRequest("3")))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = await(t, m.Enqueue(t.Context(), newRequest("4")))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, m.Close())
}

func TestCloseWaitsForInFlight(t *testing.T) {
	net := newVirtualNet()
	m := New(transport.NewNetwork(lineCodec{}), NewSharedProvider(net), lineCodec{}, Options{DrainTimeout: time.Second})

	p := m.Send(t.Context(), newRequest("1"))
	w := net.next(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		w.answer("1|ok")
	}()
	require.NoError(t, m.Close())

	res, err := await(t, p)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content())
	assert.False(t, w.ch.Active())
}

func TestReceiveIgnoresFinishedExchange(t *testing.T) {
	m := newMessenger(t, NewSharedProvider(newVirtualNet()), Options{})

	p := promise.New[message.Response]()
	env := message.NewEnvelope(newRequest("1"), p, m)
	m.Receive(env.Reply(message.NewBaseResponse(netip.AddrPort{}, "1", "first")), nil)
	m.Receive(env.Failure(), errors.New("late failure"))

	res, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, "first", res.Content())
	assert.Equal(t, server, res.Sender())
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("sync")
	require.NoError(t, err)
	assert.Equal(t, ModeSync, mode)

	_, err = ParseMode("parallel")
	assert.Error(t, err)
}

var _ codec.Codec = lineCodec{}

func TestSharedResponseGoesToSender(t *testing.T) {
	net := newVirtualNet()
	m := newMessenger(t, NewSharedProvider(net), Options{})

	first := netip.MustParseAddrPort("198.51.100.1:27015")
	second := netip.MustParseAddrPort("198.51.100.2:27015")
	p1 := m.Send(t.Context(), &testRequest{message.NewBaseRequest(first, "1")})
	p2 := m.Send(t.Context(), &testRequest{message.NewBaseRequest(second, "1")})

	got := map[netip.AddrPort]wire{}
	for range 2 {
		w := net.next(t)
		got[w.to] = w
	}
	require.Contains(t, got, second)

	got[second].answer("1|from second")
	res, err := await(t, p2)
	require.NoError(t, err)
	assert.Equal(t, "from second", res.Content())
	assert.False(t, p1.IsDone())

	got[first].answer("1|from first")
	res, err = await(t, p1)
	require.NoError(t, err)
	assert.Equal(t, "from first", res.Content())
}

func TestTryEnqueueRejectsWhenFull(t *testing.T) {
	net := newVirtualNet()
	m := newMessenger(t, NewSharedProvider(net), Options{Mode: ModeSync, QueueSize: 1})

	first := m.Enqueue(t.Context(), newRequest("1"))
	w := net.next(t)

	second := m.TryEnqueue(t.Context(), newRequest("2"))
	assert.False(t, second.IsDone())
	assert.Equal(t, 1, m.QueueLen())

	_, err := await(t, m.TryEnqueue(t.Context(), newRequest("3")))
	assert.ErrorIs(t, err, ErrQueueFull)

	w.answer("1|one")
	_, err = await(t, first)
	require.NoError(t, err)

	net.next(t).answer("2|two")
	res, err := await(t, second)
	require.NoError(t, err)
	assert.Equal(t, "two", res.Content())
}

func TestEnqueueRacingCloseCompletes(t *testing.T) {
	for range 50 {
		net := newVirtualNet()
		m := New(transport.NewNetwork(lineCodec{}), NewSharedProvider(net), lineCodec{}, Options{
			Mode:         ModeAsync,
			QueueSize:    2,
			DrainTimeout: time.Millisecond,
		})

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			results []*promise.Promise[message.Response]
		)
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p := m.Enqueue(t.Context(), newRequest(strconv.Itoa(i)))
				mu.Lock()
				results = append(results, p)
				mu.Unlock()
			}()
		}
		require.NoError(t, m.Close())
		wg.Wait()

		for _, p := range results {
			_, err := await(t, p)
			assert.Error(t, err)
		}
	}
}
