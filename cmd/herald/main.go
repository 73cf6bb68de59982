// main is the entry point of the Herald application.
// It initializes the configuration, logger, database, GeoIP provider, query and
// console clients, and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/herald/internal/config"
	"github.com/woozymasta/herald/internal/fake"
	"github.com/woozymasta/herald/internal/geoip"
	"github.com/woozymasta/herald/internal/logger"
	"github.com/woozymasta/herald/internal/maintenance"
	"github.com/woozymasta/herald/internal/probe"
	"github.com/woozymasta/herald/internal/rcon"
	"github.com/woozymasta/herald/internal/server"
	"github.com/woozymasta/herald/internal/source"
	"github.com/woozymasta/herald/internal/storage"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Parse()

	logCloser := logger.Setup(cfg.Logger)
	defer func() { _ = logCloser.Close() }()
	log.Info().Msg("Starting herald service...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// GeoIP Update
	log.Info().Msg("Checking GeoIP database...")
	if err := geoip.EnsureDB(ctx, cfg.GeoIP.Path, cfg.GeoIP.URL, cfg.GeoIP.Interval); err != nil {
		log.Error().Err(err).Msg("Failed to download GeoIP database")
	}

	geoProvider, err := geoip.Open(cfg.GeoIP.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open GeoIP database, country detection disabled")
		geoProvider = nil
	} else {
		defer func() {
			if err := geoProvider.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing GeoIP provider")
			}
		}()
	}

	// Database
	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}()

	a2sClient := source.New(cfg.SourceOptions())
	rconClient := rcon.New(cfg.RCONOptions())
	defer closeClients(a2sClient, rconClient)

	// data generation or database maintenance
	if cfg.Storage.GenerateCount > 0 {
		fake.GenerateData(store, cfg.Storage.GenerateCount)
		return
	} else if maintenance.Run(ctx, cfg, store, a2sClient) {
		return
	}

	srv := server.New(store, probe.New(a2sClient, geoProvider, store), a2sClient, rconClient, cfg)
	srv.StartWorkers()

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srv.Run(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("address", cfg.Server.Address).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		// Stop the watch loop before the clients close
		srv.StopWorkers()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server failed")
	}

	log.Info().Msg("Server exited")
}

// closeClients closes the query and console clients concurrently; each waits
// for its requests in flight.
func closeClients(a2sClient *source.Client, rconClient *rcon.Client) {
	var g errgroup.Group
	g.Go(a2sClient.Close)
	g.Go(rconClient.Close)

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Error closing clients")
	}
}
