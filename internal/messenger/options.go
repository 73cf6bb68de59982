package messenger

import (
	"errors"
	"fmt"
	"time"

	"github.com/woozymasta/herald/internal/failsafe"
	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/session"
)

var (
	// ErrClosed is returned for sends on a closed messenger.
	ErrClosed = errors.New("messenger closed")
	// ErrUnmatched means a response reached the messenger without a pending request.
	ErrUnmatched = errors.New("response has no pending request")
	// ErrQueueFull is returned by TryEnqueue when the intake has no room.
	ErrQueueFull = errors.New("messenger queue full")
)

// ResponseError wraps the failure of an exchange with the request it belongs to.
type ResponseError struct {
	Err     error
	Request message.Request
}

func (e *ResponseError) Error() string {
	if e.Request == nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", message.Describe(e.Request), e.Err)
}

// Unwrap returns the failure.
func (e *ResponseError) Unwrap() error { return e.Err }

// Mode selects how queued requests are dispatched.
type Mode uint8

const (
	// ModeAsync dispatches queued requests as soon as they are dequeued.
	ModeAsync Mode = iota
	// ModeSync keeps one queued request in flight at a time.
	ModeSync
)

func (m Mode) String() string {
	if m == ModeSync {
		return "sync"
	}
	return "async"
}

// ParseMode parses "sync" or "async".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "sync":
		return ModeSync, nil
	case "async", "":
		return ModeAsync, nil
	}
	return ModeAsync, fmt.Errorf("unknown messenger mode %q", s)
}

// Options tune a Messenger.
type Options struct {
	// OnUnmatched receives responses that match no pending request.
	OnUnmatched func(res message.Response, err error)

	// KeyFunc derives session keys. Defaults to one key per request.
	KeyFunc session.KeyFunc

	// Name identifies the messenger in logs and sessions.
	Name string

	Failsafe failsafe.Config

	// SessionTimeout fails requests still pending after it. Zero disables it.
	SessionTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight requests on Close.
	DrainTimeout time.Duration

	// QueueSize is the capacity of the Enqueue intake.
	QueueSize int

	Mode Mode
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "messenger"
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	if o.KeyFunc == nil {
		o.KeyFunc = session.KeyBySequence()
	}
	return o
}
