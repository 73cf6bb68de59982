package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/promise"
)

// Status is the processing stage of a request.
type Status uint8

// Request processing stages, in order. Done is reachable from any stage.
const (
	StatusNew Status = iota
	StatusAccepted
	StatusRegistered
	StatusAwait
	StatusSent
	StatusDone
)

// String returns the stage name.
func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusAccepted:
		return "ACCEPTED"
	case StatusRegistered:
		return "REGISTERED"
	case StatusAwait:
		return "AWAIT"
	case StatusSent:
		return "SENT"
	case StatusDone:
		return "DONE"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// StatusError reports a rejected stage transition.
type StatusError struct {
	From Status
	To   Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("invalid request status transition %s -> %s", e.From, e.To)
}

// Details is the bookkeeping of one request from intake to completion.
type Details struct {
	created   time.Time
	request   message.Request
	promise   *promise.Promise[message.Response]
	transport string
	mu        sync.Mutex
	retries   int
	status    Status
}

// NewDetails returns details in StatusNew.
func NewDetails(req message.Request, p *promise.Promise[message.Response], transport string) *Details {
	return &Details{
		request:   req,
		promise:   p,
		transport: transport,
		created:   time.Now(),
	}
}

// Request returns the tracked request.
func (d *Details) Request() message.Request { return d.request }

// Promise returns the client promise.
func (d *Details) Promise() *promise.Promise[message.Response] { return d.promise }

// Transport returns the name of the transport handling the request.
func (d *Details) Transport() string { return d.transport }

// Created returns the intake time.
func (d *Details) Created() time.Time { return d.created }

// Status returns the current stage.
func (d *Details) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Advance moves to the next stage. Only the immediate successor or StatusDone is accepted;
// advancing a done request is an error.
func (d *Details) Advance(to Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.status == StatusDone || (to != StatusDone && to != d.status+1) {
		return &StatusError{From: d.status, To: to}
	}
	d.status = to
	return nil
}

// Retries returns the retry counter.
func (d *Details) Retries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retries
}

// IncRetries increments and returns the retry counter.
func (d *Details) IncRetries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retries++
	return d.retries
}
