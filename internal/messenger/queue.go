package messenger

import (
	"context"
	"sync"

	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/promise"
	"github.com/woozymasta/herald/internal/session"
)

type queued struct {
	ctx    context.Context
	req    message.Request
	result *promise.Promise[message.Response]
	key    session.ID
}

// queue is the intake of Enqueue. A full intake blocks producers. The run loop
// starts with the first enqueued request and stops when the messenger closes.
// gate orders sends into intake before the final drain on close.
type queue struct {
	m       *Messenger
	intake  chan *queued
	done    chan struct{}
	busy    map[session.ID][]*queued
	start   sync.Once
	gate    sync.RWMutex
	mu      sync.Mutex
	mode    Mode
	started bool
	sealed  bool
}

func newQueue(m *Messenger, mode Mode, size int) *queue {
	return &queue{
		m:      m,
		mode:   mode,
		intake: make(chan *queued, size),
		done:   make(chan struct{}),
		busy:   make(map[session.ID][]*queued),
	}
}

// Enqueue submits req through the queue. In sync mode queued requests complete in
// submission order, one at a time. In async mode they are dispatched right away,
// except that a request whose key is already in flight waits for that exchange.
// Enqueue blocks while the intake is full.
func (m *Messenger) Enqueue(ctx context.Context, req message.Request) *promise.Promise[message.Response] {
	return m.queue.submit(ctx, req, true)
}

// TryEnqueue is Enqueue without waiting: a full intake rejects req with ErrQueueFull.
func (m *Messenger) TryEnqueue(ctx context.Context, req message.Request) *promise.Promise[message.Response] {
	return m.queue.submit(ctx, req, false)
}

func (q *queue) submit(ctx context.Context, req message.Request, wait bool) *promise.Promise[message.Response] {
	q.gate.RLock()
	defer q.gate.RUnlock()

	if q.sealed || q.m.closed.Load() {
		return promise.Rejected[message.Response](ErrClosed)
	}
	q.start.Do(func() {
		q.mu.Lock()
		q.started = true
		q.mu.Unlock()
		go q.run()
	})

	item := &queued{
		ctx:    ctx,
		req:    req,
		result: promise.New[message.Response](),
		key:    session.KeyByTransaction(req),
	}

	if !wait {
		select {
		case q.intake <- item:
		default:
			item.result.TryFail(ErrQueueFull)
		}
		return item.result
	}

	select {
	case q.intake <- item:
	case <-ctx.Done():
		item.result.TryFail(ctx.Err())
	case <-q.m.stop:
		item.result.TryFail(ErrClosed)
	}
	return item.result
}

// QueueLen returns the number of requests waiting in the intake.
func (m *Messenger) QueueLen() int { return len(m.queue.intake) }

func (q *queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.m.stop:
			return
		case item := <-q.intake:
			if q.mode == ModeSync {
				q.dispatchSync(item)
			} else {
				q.dispatchAsync(item)
			}
		}
	}
}

func (q *queue) dispatchSync(item *queued) {
	if item.result.IsDone() {
		return
	}
	p := q.m.Send(item.ctx, item.req)
	promise.Cascade(p, item.result)
	item.result.OnComplete(func(r *promise.Promise[message.Response]) {
		if r.IsCancelled() {
			p.Cancel()
		}
	})

	select {
	case <-p.Done():
	case <-q.m.stop:
	}
}

func (q *queue) dispatchAsync(item *queued) {
	q.mu.Lock()
	if waiting, inFlight := q.busy[item.key]; inFlight {
		q.busy[item.key] = append(waiting, item)
		q.mu.Unlock()
		q.m.log.Debug().
			Str("request", message.Describe(item.req)).
			Int("waiting", len(waiting)+1).
			Msg("Request parked behind in-flight duplicate")
		return
	}
	q.busy[item.key] = nil
	q.mu.Unlock()

	q.launch(item)
}

// launch sends item and, once it completes, launches the next parked request of its key.
func (q *queue) launch(item *queued) {
	if item.result.IsDone() {
		q.next(item.key)
		return
	}
	p := q.m.Send(item.ctx, item.req)
	promise.Cascade(p, item.result)
	item.result.OnComplete(func(r *promise.Promise[message.Response]) {
		if r.IsCancelled() {
			p.Cancel()
		}
	})
	p.OnComplete(func(*promise.Promise[message.Response]) { q.next(item.key) })
}

func (q *queue) next(key session.ID) {
	q.mu.Lock()
	waiting, ok := q.busy[key]
	if !ok {
		q.mu.Unlock()
		return
	}
	if len(waiting) == 0 {
		delete(q.busy, key)
		q.mu.Unlock()
		return
	}
	item := waiting[0]
	q.busy[key] = waiting[1:]
	q.mu.Unlock()

	q.launch(item)
}

// shutdown waits for the run loop and fails every request that never left the queue.
// The messenger stop channel is closed before, which releases blocked producers.
func (q *queue) shutdown() {
	q.gate.Lock()
	q.sealed = true
	q.gate.Unlock()

	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if started {
		<-q.done
	}

	var dropped []*queued
	for {
		select {
		case item := <-q.intake:
			dropped = append(dropped, item)
			continue
		default:
		}
		break
	}

	q.mu.Lock()
	for key, waiting := range q.busy {
		dropped = append(dropped, waiting...)
		q.busy[key] = nil
	}
	q.mu.Unlock()

	for _, item := range dropped {
		q.m.log.Warn().Str("request", message.Describe(item.req)).Msg("Queued request dropped on close")
		item.result.TryFail(&ResponseError{Err: ErrClosed, Request: item.req})
	}
}
