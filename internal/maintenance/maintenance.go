// Package maintenance provide tools for clean and update database
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/herald/internal/config"
	"github.com/woozymasta/herald/internal/models"
	"github.com/woozymasta/herald/internal/source"
	"github.com/woozymasta/herald/internal/storage"
)

const workers = 10

// Run checks if any maintenance flags are set and executes the corresponding tasks.
// Returns true if a maintenance task was executed (indicating the program should exit).
func Run(ctx context.Context, cfg *config.Config, store *storage.Repository, client *source.Client) bool {
	if cfg.Storage.PruneDown != "" {
		game := parseGame(cfg.Storage.PruneDown)
		log.Info().Str("game_filter", game).Msg("Pruning down servers...")

		count, err := store.DeleteDownServers(game)
		if err != nil {
			log.Error().Err(err).Msg("Failed to prune servers")
		} else {
			log.Info().Int64("deleted", count).Msg("Prune finished")
		}

		return true
	}

	var (
		servers  []models.Server
		err      error
		taskName string
	)

	switch {
	case cfg.Storage.CheckDown != "":
		taskName = "Check Down"
		game := parseGame(cfg.Storage.CheckDown)
		log.Info().Str("game_filter", game).Msg("Fetching down servers for check...")
		servers, err = store.GetServersSubset(game, true)
	case cfg.Storage.CheckAll != "":
		taskName = "Check All"
		game := parseGame(cfg.Storage.CheckAll)
		log.Info().Str("game_filter", game).Msg("Fetching all servers for re-check...")
		servers, err = store.GetServersSubset(game, false)
	default:
		return false
	}

	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch servers")
		return true
	}

	if len(servers) == 0 {
		log.Info().Msg("No servers found for maintenance")
		return true
	}

	log.Info().Int("count", len(servers)).Int("workers", workers).Msgf("Starting '%s' task...", taskName)
	Check(ctx, servers, store, client)
	log.Info().Msg("Maintenance task completed")

	return true
}

// parseGame converts the optional flag value AnyGame to "" (no filter).
func parseGame(input string) string {
	if input == config.AnyGame {
		return ""
	}

	return input
}

// Check re-queries servers with a bounded worker pool. Reachable servers are
// updated, unreachable ones deleted.
func Check(ctx context.Context, servers []models.Server, store *storage.Repository, client *source.Client) {
	jobs := make(chan models.Server, len(servers))
	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				checkServer(ctx, s, store, client)
			}
		}()
	}

	for _, s := range servers {
		jobs <- s
	}
	close(jobs)

	wg.Wait()
}

func checkServer(ctx context.Context, s models.Server, store *storage.Repository, client *source.Client) {
	logCtx := log.With().
		Str("ip", s.IP).
		Int("port", s.Port).
		Logger()

	addr, err := s.Address()
	if err != nil || s.Port <= 0 || s.Port > 65535 {
		logCtx.Debug().Msg("Invalid address, deleting server")
		if err := store.DeleteServer(s.IP, s.Port); err != nil {
			logCtx.Error().Err(err).Msg("Failed to delete invalid server")
		}
		return
	}

	info, err := client.Info(ctx, addr).Wait(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logCtx.Debug().Err(err).Msg("Server unreachable, deleting server")
		if err := store.DeleteServer(s.IP, s.Port); err != nil {
			logCtx.Error().Err(err).Msg("Failed to delete unreachable server")
		}
		return
	}

	s.Apply(info)
	s.LastProbe = time.Now()

	if err := store.UpsertServer(s); err != nil {
		logCtx.Error().Err(err).Msg("Failed to update server")
	} else {
		logCtx.Trace().Msg("Server updated successfully")
	}
}
