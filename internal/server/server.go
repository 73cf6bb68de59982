// Package server implements the HTTP server, middleware, and request handlers for the application.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/herald/internal/config"
	"github.com/woozymasta/herald/internal/probe"
	"github.com/woozymasta/herald/internal/rcon"
	"github.com/woozymasta/herald/internal/source"
	"github.com/woozymasta/herald/internal/storage"
)

// New creates a new Server instance with the provided storage, clients, and configuration.
func New(store *storage.Repository, prober *probe.Prober, a2s *source.Client, rc *rcon.Client, cfg *config.Config) *Server {
	targets := make(map[uint64]struct{})
	for _, target := range cfg.RCON.AllowedTargets {
		targets[xxhash.Sum64String(target)] = struct{}{}
	}

	watch, err := cfg.Watch.Addresses()
	if err != nil {
		log.Error().Err(err).Msg("Invalid watch targets, watching disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())

	var live *cache.Cache
	if cfg.Server.CacheTTL > 0 {
		live = cache.New(cfg.Server.CacheTTL, time.Minute)
	}

	return &Server{
		storage:        store,
		prober:         prober,
		source:         a2s,
		rcon:           rc,
		ctx:            ctx,
		cancel:         cancel,
		allowedTargets: targets,
		seen:           cache.New(cfg.RateLimit.SoftLimitDur, time.Minute),
		live:           live,
		clients:        cache.New(10*time.Minute, 5*time.Minute),
		authToken:      cfg.Server.AuthToken,
		watch:          watch,
		watchInterval:  cfg.Watch.Interval,
		maxBody:        cfg.Server.MaxBodySize,
		hardLimitCount: cfg.RateLimit.HardLimitCount,
		hardLimitWin:   cfg.RateLimit.HardLimitWin,
		softLimitDur:   cfg.RateLimit.SoftLimitDur,
		trustProxy:     cfg.Server.TrustProxy,
	}
}

// StartWorkers starts the watch loop when watch targets are configured.
func (s *Server) StartWorkers() {
	if len(s.watch) == 0 || s.watchInterval <= 0 {
		return
	}

	s.wg.Add(1)
	go s.watchLoop()
}

// StopWorkers stops the watch loop and aborts queued probes.
func (s *Server) StopWorkers() {
	s.cancel()
	s.wg.Wait()
}

// Run configures the HTTP routes and returns the main handler.
func (s *Server) Run() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/probe", s.RateLimitMiddleware(http.HandlerFunc(s.handleProbe)))
	mux.Handle("GET /api/version", http.HandlerFunc(s.handleVersion))
	mux.Handle("GET /api/stats", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleStats)))
	mux.Handle("GET /api/servers", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleServers)))
	mux.Handle("GET /api/a2s", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleServerQuery)))
	mux.Handle("GET /api/server", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleGetServer)))
	mux.Handle("DELETE /api/server", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleDeleteServer)))
	mux.Handle("POST /api/rcon", AdminAuthMiddleware(s.authToken, http.HandlerFunc(s.handleRCON)))

	return s.LoggingMiddleware(mux)
}

// watchLoop probes every watch target at start and then every interval.
func (s *Server) watchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	log.Info().Int("targets", len(s.watch)).Dur("interval", s.watchInterval).Msg("Watching servers")

	for {
		for _, addr := range s.watch {
			if s.ctx.Err() != nil {
				return
			}
			s.prober.Enqueue(s.ctx, addr)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
