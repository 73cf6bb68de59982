// Package probe queries game servers and records each outcome in storage.
package probe

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/woozymasta/a2s/pkg/a2s"
	"github.com/woozymasta/herald/internal/geoip"
	"github.com/woozymasta/herald/internal/logger"
	"github.com/woozymasta/herald/internal/messenger"
	"github.com/woozymasta/herald/internal/models"
	"github.com/woozymasta/herald/internal/promise"
	"github.com/woozymasta/herald/internal/source"
	"github.com/woozymasta/herald/internal/storage"
)

// Prober runs A2S_INFO probes. The GeoIP provider may be nil.
type Prober struct {
	client *source.Client
	geo    *geoip.Provider
	store  *storage.Repository
	log    zerolog.Logger
}

// New returns a prober.
func New(client *source.Client, geo *geoip.Provider, store *storage.Repository) *Prober {
	return &Prober{
		client: client,
		geo:    geo,
		store:  store,
		log:    logger.Component("probe"),
	}
}

// Probe queries addr, stores the outcome and returns it with the query error.
func (p *Prober) Probe(ctx context.Context, addr netip.AddrPort) (models.Server, error) {
	info, err := p.client.Info(ctx, addr).Wait(ctx)
	if aborted(err) {
		return models.Server{}, err
	}
	return p.record(addr, info, err), err
}

// Enqueue submits a probe through the query queue. The outcome is stored when
// the query completes; probes aborted by cancellation or shutdown are not.
func (p *Prober) Enqueue(ctx context.Context, addr netip.AddrPort) *promise.Promise[models.Server] {
	return p.track(addr, p.client.Enqueue(ctx, addr))
}

// TryEnqueue is Enqueue without waiting for room in the queue. A probe rejected
// with messenger.ErrQueueFull fails at once and is not stored.
func (p *Prober) TryEnqueue(ctx context.Context, addr netip.AddrPort) *promise.Promise[models.Server] {
	return p.track(addr, p.client.TryEnqueue(ctx, addr))
}

func (p *Prober) track(addr netip.AddrPort, query *promise.Promise[*a2s.Info]) *promise.Promise[models.Server] {
	result := promise.New[models.Server]()

	query.OnComplete(func(q *promise.Promise[*a2s.Info]) {
		info, err := q.Result()
		if q.IsCancelled() || aborted(err) {
			result.TryFail(err)
			return
		}

		s := p.record(addr, info, err)
		if err != nil {
			result.TryFail(err)
			return
		}
		result.TrySucceed(s)
	})

	return result
}

func (p *Prober) record(addr netip.AddrPort, info *a2s.Info, err error) models.Server {
	s := models.Server{
		IP:          addr.Addr().Unmap().String(),
		Port:        int(addr.Port()),
		CountryCode: p.geo.CountryCode(addr.Addr()),
		LastProbe:   time.Now(),
	}
	if err != nil {
		s.LastError = err.Error()
	} else {
		s.Apply(info)
	}

	if err := p.store.UpsertServer(s); err != nil {
		p.log.Error().Err(err).Str("addr", addr.String()).Msg("Failed to save server to DB")
		return s
	}

	p.log.Debug().
		Str("addr", addr.String()).
		Bool("online", s.Online).
		Str("name", s.ServerName).
		Msg("Probe saved")

	return s
}

func aborted(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, messenger.ErrClosed) ||
		errors.Is(err, messenger.ErrQueueFull) ||
		errors.Is(err, promise.ErrCancelled)
}
