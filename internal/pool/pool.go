// Package pool keeps reusable connection-oriented channels per destination.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/herald/internal/channel"
	"github.com/woozymasta/herald/internal/promise"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolClosed is returned by Acquire on a closed pool.
	ErrPoolClosed = errors.New("pool closed")
	// ErrAcquireTimeout is returned when no channel became available in time.
	ErrAcquireTimeout = errors.New("pool acquire timeout")
)

// Dialer opens new channels.
type Dialer interface {
	Dial(ctx context.Context, addr netip.AddrPort, h channel.Handler) (channel.Channel, error)
}

// Config bounds the pool.
type Config struct {
	// MaxConnections is the number of channels leased at once per destination.
	MaxConnections int
	// MaxIdle is the number of idle channels kept per destination.
	MaxIdle int
	// AcquireTimeout bounds the wait for a free slot. Zero waits for the caller context.
	AcquireTimeout time.Duration
	// NoReuse closes channels on release. The pool then only bounds connections.
	NoReuse bool
}

// Stats is a per-destination snapshot.
type Stats struct {
	Leased int `json:"leased"`
	Idle   int `json:"idle"`
}

type destination struct {
	sem    *semaphore.Weighted
	idle   []channel.Channel
	leased int
}

// Pool leases channels per destination. A leased channel holds one slot of the
// destination semaphore until it is released or closes.
type Pool struct {
	dialer Dialer
	log    zerolog.Logger
	dests  map[netip.AddrPort]*destination
	owner  map[string]netip.AddrPort
	leases map[string]bool
	cfg    Config
	mu     sync.Mutex
	closed bool
}

// New returns a pool dialing with d.
func New(d Dialer, cfg Config) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	if cfg.MaxIdle <= 0 || cfg.MaxIdle > cfg.MaxConnections {
		cfg.MaxIdle = cfg.MaxConnections
	}
	return &Pool{
		dialer: d,
		cfg:    cfg,
		dests:  make(map[netip.AddrPort]*destination),
		owner:  make(map[string]netip.AddrPort),
		leases: make(map[string]bool),
		log:    log.With().Str("component", "pool").Logger(),
	}
}

func (p *Pool) destination(addr netip.AddrPort) *destination {
	d, ok := p.dests[addr]
	if !ok {
		d = &destination{sem: semaphore.NewWeighted(int64(p.cfg.MaxConnections))}
		p.dests[addr] = d
	}
	return d
}

// Acquire leases a channel to addr, reusing the most recently released idle one.
// New channels deliver inbound frames to h.
func (p *Pool) Acquire(ctx context.Context, addr netip.AddrPort, h channel.Handler) *promise.Promise[channel.Channel] {
	result := promise.New[channel.Channel]()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		result.TryFail(ErrPoolClosed)
		return result
	}
	d := p.destination(addr)
	p.mu.Unlock()

	go func() {
		ch, err := p.acquire(ctx, addr, d, h)
		if err != nil {
			result.TryFail(err)
			return
		}
		if !result.TrySucceed(ch) {
			// the caller gave up meanwhile
			p.Release(ch)
		}
	}()

	return result
}

func (p *Pool) acquire(ctx context.Context, addr netip.AddrPort, d *destination, h channel.Handler) (channel.Channel, error) {
	waitCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := d.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrAcquireTimeout, addr, p.cfg.AcquireTimeout)
	}

	if ch := p.takeIdle(d); ch != nil {
		p.log.Trace().Str("channel", ch.ID()).Str("addr", addr.String()).Msg("Idle channel reused")
		return ch, nil
	}

	ch, err := p.dialer.Dial(ctx, addr, h)
	if err != nil {
		d.sem.Release(1)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		d.sem.Release(1)
		_ = ch.Close()
		return nil, ErrPoolClosed
	}
	p.owner[ch.ID()] = addr
	p.leases[ch.ID()] = true
	d.leased++
	p.mu.Unlock()

	ch.OnClose(func(error) { p.evict(ch) })
	p.log.Trace().Str("channel", ch.ID()).Str("addr", addr.String()).Msg("Channel dialed")

	return ch, nil
}

// takeIdle pops the newest active idle channel and leases it, dropping closed ones.
func (p *Pool) takeIdle(d *destination) channel.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()

	for n := len(d.idle); n > 0; n = len(d.idle) {
		ch := d.idle[n-1]
		d.idle = d.idle[:n-1]
		if !ch.Active() {
			continue
		}
		p.leases[ch.ID()] = true
		d.leased++
		return ch
	}
	return nil
}

// Release returns a leased channel. It resolves to true when the channel went back
// to the idle set and false when it was closed or not leased from this pool.
func (p *Pool) Release(ch channel.Channel) *promise.Promise[bool] {
	p.mu.Lock()
	addr, owned := p.owner[ch.ID()]
	if !owned || !p.leases[ch.ID()] {
		p.mu.Unlock()
		return promise.Resolved(false)
	}
	d := p.dests[addr]
	delete(p.leases, ch.ID())
	d.leased--

	keep := !p.closed && !p.cfg.NoReuse && ch.Active() && len(d.idle) < p.cfg.MaxIdle
	if keep {
		d.idle = append(d.idle, ch)
	} else {
		delete(p.owner, ch.ID())
	}
	p.mu.Unlock()

	d.sem.Release(1)

	if !keep {
		_ = ch.Close()
		return promise.Resolved(false)
	}
	p.log.Trace().Str("channel", ch.ID()).Str("addr", addr.String()).Msg("Channel released")
	return promise.Resolved(true)
}

// evict forgets a closed channel, freeing its slot when it was still leased.
func (p *Pool) evict(ch channel.Channel) {
	p.mu.Lock()
	addr, owned := p.owner[ch.ID()]
	if !owned {
		p.mu.Unlock()
		return
	}
	delete(p.owner, ch.ID())
	d := p.dests[addr]

	leased := p.leases[ch.ID()]
	if leased {
		delete(p.leases, ch.ID())
		d.leased--
	} else {
		for i, idle := range d.idle {
			if idle == ch {
				d.idle = append(d.idle[:i], d.idle[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()

	if leased {
		d.sem.Release(1)
	}
	p.log.Trace().Str("channel", ch.ID()).Str("addr", addr.String()).Msg("Channel evicted")
}

// IsPooled reports whether ch was leased from this pool and is still tracked.
func (p *Pool) IsPooled(ch channel.Channel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.owner[ch.ID()]
	return ok
}

// Stats returns the lease counts of addr.
func (p *Pool) Stats(addr netip.AddrPort) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.dests[addr]
	if !ok {
		return Stats{}
	}
	return Stats{Leased: d.leased, Idle: len(d.idle)}
}

// Close closes idle channels and rejects new leases. Leased channels close on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var idle []channel.Channel
	for _, d := range p.dests {
		idle = append(idle, d.idle...)
		d.idle = nil
	}
	p.mu.Unlock()

	var errs []error
	for _, ch := range idle {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
