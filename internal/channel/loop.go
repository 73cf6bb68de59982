package channel

import (
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
)

// EventLoop runs submitted tasks one at a time, in submission order, on a single goroutine.
// Every channel owns one loop; all writes and inbound handling of the channel run on it.
type EventLoop struct {
	cond   *sync.Cond
	done   chan struct{}
	name   string
	tasks  []func()
	head   int
	mu     sync.Mutex
	closed bool
}

// NewEventLoop starts a loop.
func NewEventLoop(name string) *EventLoop {
	l := &EventLoop{
		name: name,
		done: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Execute queues fn. It returns false if the loop is shut down.
func (l *EventLoop) Execute(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.cond.Signal()
	return true
}

// Shutdown stops accepting tasks. Already queued tasks still run.
func (l *EventLoop) Shutdown() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Done is closed once the loop goroutine exited.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

func (l *EventLoop) run() {
	defer close(l.done)
	for {
		fn, ok := l.next()
		if !ok {
			return
		}
		l.safeRun(fn)
	}
}

func (l *EventLoop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for !l.closed && l.head >= len(l.tasks) {
		l.cond.Wait()
	}
	if l.head >= len(l.tasks) {
		return nil, false
	}

	fn := l.tasks[l.head]
	l.tasks[l.head] = nil
	l.head++
	if l.head >= 64 && l.head*2 >= len(l.tasks) {
		remaining := copy(l.tasks, l.tasks[l.head:])
		l.tasks = l.tasks[:remaining]
		l.head = 0
	}
	return fn, true
}

// safeRun keeps the loop alive when a task panics.
func (l *EventLoop) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("loop", l.name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Event loop task panicked")
		}
	}()
	fn()
}
