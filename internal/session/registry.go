// Package session correlates in-flight requests with their completion promises.
//
// A Registry holds at most one live session per derived key. Sessions remove
// themselves once their promise completes, so the registry only ever contains
// requests that are still waiting for an outcome.
package session

import (
	"errors"
	"fmt"
	"iter"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/herald/internal/message"
	"github.com/woozymasta/herald/internal/promise"
)

var (
	// ErrSessionExists is returned by Create when a live session already uses the derived key.
	ErrSessionExists = errors.New("session already registered")
	// ErrNoSession means no pending request matches a response.
	ErrNoSession = errors.New("no associated session")
	// ErrBlankTransaction means a response reached correlation without a transaction id.
	ErrBlankTransaction = errors.New("response has no transaction id")
	// ErrTimeout fails a session that outlived the registry session timeout.
	ErrTimeout = errors.New("session timed out")
	// ErrClosed is returned by a closed registry.
	ErrClosed = errors.New("session registry closed")
)

// ID is a derived session key.
type ID uint64

// String formats the id for logs.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 16)
}

// KeyFunc derives the session key of a request.
type KeyFunc func(req message.Request) ID

// KeyBySequence returns a KeyFunc that hands out increasing keys, one per request.
func KeyBySequence() KeyFunc {
	var seq atomic.Uint64
	return func(message.Request) ID {
		return ID(seq.Add(1))
	}
}

// KeyByTransaction derives the key from the request type, recipient and transaction id,
// so two requests for the same exchange share one session key.
func KeyByTransaction(req message.Request) ID {
	d := xxhash.New()
	_, _ = d.WriteString(message.TypeName(req))
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(req.Recipient().String())
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(req.TransactionID())
	return ID(d.Sum64())
}

// Session correlates one in-flight request with its client promise.
type Session struct {
	*Details
	timer *time.Timer
	id    ID
}

// ID returns the session key.
func (s *Session) ID() ID { return s.id }

// Entry is a registry snapshot item.
type Entry struct {
	Session *Session
	ID      ID
}

// Registry is a concurrency-safe map of pending sessions.
type Registry struct {
	log       zerolog.Logger
	sessions  map[ID]*Session
	byRequest map[message.Request]ID
	key       KeyFunc
	timeout   time.Duration
	mu        sync.RWMutex
	closed    bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithKeyFunc sets the session key derivation.
func WithKeyFunc(fn KeyFunc) Option {
	return func(r *Registry) {
		if fn != nil {
			r.key = fn
		}
	}
}

// WithTimeout fails sessions that stay pending longer than d after StartSession. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// NewRegistry returns an empty registry keyed by request sequence unless configured otherwise.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:       log.With().Str("component", "session").Logger(),
		sessions:  make(map[ID]*Session),
		byRequest: make(map[message.Request]ID),
		key:       KeyBySequence(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Key returns the key the registry would derive for req.
func (r *Registry) Key(req message.Request) ID {
	return r.key(req)
}

// Create registers a session for details and returns its key.
// The session is deleted automatically when its promise completes.
func (r *Registry) Create(details *Details) (ID, error) {
	if details == nil || details.Request() == nil || details.Promise() == nil {
		return 0, fmt.Errorf("create session: incomplete request details")
	}
	id := r.key(details.Request())
	s := &Session{Details: details, id: id}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return id, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	r.sessions[id] = s
	r.byRequest[details.Request()] = id
	r.mu.Unlock()

	r.log.Trace().
		Str("session", id.String()).
		Str("request", message.Describe(details.Request())).
		Msg("Session created")

	details.Promise().OnComplete(func(*promise.Promise[message.Response]) {
		r.Delete(s)
	})

	return id, nil
}

// StartSession arms the session timeout. It is a no-op without a configured timeout
// or for unknown ids.
func (r *Registry) StartSession(id ID) {
	if r.timeout <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.timer != nil {
		return
	}
	timeout := r.timeout
	s.timer = time.AfterFunc(timeout, func() {
		if s.Promise().TryFail(fmt.Errorf("%w after %s", ErrTimeout, timeout)) {
			r.log.Debug().
				Str("session", id.String()).
				Str("request", message.Describe(s.Request())).
				Msg("Session timed out")
		}
	})
}

// GetSession returns the live session for id.
func (r *Registry) GetSession(id ID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetID returns the key of the live session tracking req.
func (r *Registry) GetID(req message.Request) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byRequest[req]
	return id, ok
}

// Delete removes s. Deleting an absent session is not an error.
func (r *Registry) Delete(s *Session) {
	if s == nil {
		return
	}

	r.mu.Lock()
	current, ok := r.sessions[s.id]
	if !ok || current != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.id)
	delete(r.byRequest, s.Request())
	if s.timer != nil {
		s.timer.Stop()
	}
	r.mu.Unlock()

	r.log.Trace().Str("session", s.id.String()).Msg("Session deleted")
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Entries iterates over a snapshot of the live sessions.
func (r *Registry) Entries() iter.Seq2[ID, *Session] {
	r.mu.RLock()
	snapshot := make([]Entry, 0, len(r.sessions))
	for id, s := range r.sessions {
		snapshot = append(snapshot, Entry{ID: id, Session: s})
	}
	r.mu.RUnlock()

	return func(yield func(ID, *Session) bool) {
		for _, e := range snapshot {
			if !yield(e.ID, e.Session) {
				return
			}
		}
	}
}

// FindByTransaction returns a pending session whose request transaction id matches
// txID case-insensitively. A session whose recipient is from wins over other
// matches; without one the first match is returned. The scan is linear in the
// number of pending sessions.
func (r *Registry) FindByTransaction(txID string, from netip.AddrPort) (*Session, error) {
	if txID == "" {
		return nil, ErrBlankTransaction
	}

	var found *Session
	for _, s := range r.Entries() {
		if !message.SameTransaction(s.Request().TransactionID(), txID) {
			continue
		}
		if from.IsValid() && sameAddr(s.Request().Recipient(), from) {
			return s, nil
		}
		if found == nil {
			found = s
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: txid %q", ErrNoSession, txID)
	}
	return found, nil
}

func sameAddr(a, b netip.AddrPort) bool {
	return a.Port() == b.Port() && a.Addr().Unmap() == b.Addr().Unmap()
}

// Close drops all sessions and rejects further registrations.
// Pending promises are left untouched; owners fail them before closing.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if n := len(r.sessions); n > 0 {
		r.log.Warn().Int("remaining", n).Msg("Closing session registry with pending sessions")
	}
	for id, s := range r.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(r.sessions, id)
	}
	clear(r.byRequest)

	return nil
}
