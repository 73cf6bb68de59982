package server

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/woozymasta/herald/internal/probe"
	"github.com/woozymasta/herald/internal/rcon"
	"github.com/woozymasta/herald/internal/source"
	"github.com/woozymasta/herald/internal/storage"
)

// Server holds the dependencies, configuration, and runtime state required
// to handle HTTP requests and background probing.
type Server struct {
	// storage provides access to the tracked servers.
	storage *storage.Repository

	// prober queries servers and records the outcome.
	prober *probe.Prober

	// source runs live A2S queries that are not recorded.
	source *source.Client

	// rcon runs console commands.
	rcon *rcon.Client

	// ctx bounds queued probes. It is cancelled by StopWorkers.
	ctx    context.Context
	cancel context.CancelFunc

	// allowedTargets is a set of hashed server addresses (using xxhash) accepted
	// by the RCON endpoint. An empty set accepts any address.
	allowedTargets map[uint64]struct{}

	// seen tracks recently probed servers for the soft rate limit.
	seen *cache.Cache

	// live caches results of live A2S queries. It is nil when caching is disabled.
	live *cache.Cache

	// clients holds the per-IP hard rate limiters.
	clients *cache.Cache

	// authToken is the secret token required to access administrative API endpoints.
	authToken string

	// watch lists the servers probed every watchInterval.
	watch []netip.AddrPort

	// wg waits for the watch loop.
	wg sync.WaitGroup

	watchInterval time.Duration

	// maxBody specifies the maximum allowed size (in bytes) for incoming HTTP request bodies.
	maxBody int64

	// hardLimitCount requests are allowed per IP address within hardLimitWin.
	hardLimitCount int
	hardLimitWin   time.Duration

	// softLimitDur is how long a probe request for the same server is ignored.
	softLimitDur time.Duration

	// trustProxy indicates whether the server should trust headers like X-Forwarded-For
	// or CF-Connecting-IP when determining the client's real IP address.
	trustProxy bool
}
