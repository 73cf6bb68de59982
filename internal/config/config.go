// Package config handles the parsing and validation of application configuration
// from command-line arguments and environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/woozymasta/herald/internal/logger"
	"github.com/woozymasta/herald/internal/vars"
)

// AnyGame marks all games for maintenance.
const AnyGame = "AnyGame"

// Config represents the complete application flags configuration.
type Config struct {
	// betteralign:ignore

	Server    Server        `group:"Server Options" env-namespace:"HERALD"`
	Watch     Watch         `group:"Watch Options" namespace:"watch" env-namespace:"HERALD_WATCH"`
	Storage   Storage       `group:"Storage Options" namespace:"db" env-namespace:"HERALD_DB"`
	GeoIP     GeoIP         `group:"GeoIP Options" namespace:"geoip" env-namespace:"HERALD_GEOIP"`
	RateLimit RateLimit     `group:"Rate Limit Options" namespace:"rate-limit" env-namespace:"HERALD_RATE_LIMIT"`
	A2S       A2S           `group:"A2S Options" namespace:"a2s" env-namespace:"HERALD_A2S"`
	RCON      RCON          `group:"RCON Options" namespace:"rcon" env-namespace:"HERALD_RCON"`
	Messenger Messenger     `group:"Messenger Options" namespace:"messenger" env-namespace:"HERALD_MESSENGER"`
	Failsafe  Failsafe      `group:"Failsafe Options" namespace:"failsafe" env-namespace:"HERALD_FAILSAFE"`
	Logger    logger.Config `group:"Logger Options" namespace:"log" env-namespace:"HERALD_LOG"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Server holds web server configuration.
type Server struct {
	// betteralign:ignore

	Address     string        `short:"l" long:"address" env:"LISTEN_ADDRESS" description:"Server listen address" default:":8080"`
	AuthToken   string        `short:"t" long:"auth-token" env:"AUTH_TOKEN" description:"Admin authentication token"`
	MaxBodySize int64         `long:"max-body-size" env:"MAX_BODY_SIZE" description:"Max body size for incoming requests" default:"1024"`
	TrustProxy  bool          `long:"trust-proxy" env:"TRUST_PROXY" description:"Trust X-Forwarded-For headers"`
	CacheTTL    time.Duration `long:"cache-ttl" env:"CACHE_TTL" description:"Lifetime of cached live query results" default:"10s"`
}

// Watch holds the background poller configuration.
type Watch struct {
	// betteralign:ignore

	Targets  []string      `short:"w" long:"target" env:"TARGETS" description:"Server address (ip:port) polled periodically" env-delim:","`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Poll interval" default:"1m"`
}

// Storage holds database configuration.
type Storage struct {
	// betteralign:ignore

	Path          string `short:"d" long:"path" env:"PATH" description:"Path to SQLite database" default:"herald.db"`
	PruneDown     string `long:"prune-down" description:"Delete servers whose last probe failed. Optional arg: game name." optional:"true" optional-value:"AnyGame"`
	CheckDown     string `long:"check-down" description:"Re-check servers whose last probe failed. Update if UP, delete if DOWN. Optional arg: game name." optional:"true" optional-value:"AnyGame"`
	CheckAll      string `long:"check-all" description:"Re-check ALL servers. Update if UP, delete if DOWN. Optional arg: game name." optional:"true" optional-value:"AnyGame"`
	GenerateCount int    `long:"gen-fake-data" hidden:"true"`
}

// GeoIP holds MaxMind GeoIP configuration.
type GeoIP struct {
	// betteralign:ignore

	Path     string        `short:"g" long:"path" env:"PATH" description:"Path to MMDB file" default:"herald.mmdb"`
	URL      string        `long:"url" env:"URL" description:"URL to download MMDB" default:"https://git.io/GeoLite2-Country.mmdb"`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Update interval check" default:"24h"`
}

// A2S holds Source Query protocol configuration.
type A2S struct {
	// betteralign:ignore

	Timeout    time.Duration `long:"timeout" env:"TIMEOUT" description:"Query timeout" default:"3s"`
	BufferSize uint16        `long:"buffer-size" env:"BUFFER_SIZE" description:"Response body buffer size" default:"1400"`
}

// RCON holds remote console configuration.
type RCON struct {
	// betteralign:ignore

	AllowedTargets []string `long:"allowed-target" env:"ALLOWED_TARGETS" description:"Server addresses (ip:port) accepted by the RCON endpoint, any when empty" env-delim:","`
}

// RateLimit holds API rate limiting configuration.
type RateLimit struct {
	// betteralign:ignore

	HardLimitCount int           `long:"hard-count" env:"HARD_COUNT" description:"Hard IP limit: requests count" default:"8"`
	HardLimitWin   time.Duration `long:"hard-window" env:"HARD_WINDOW" description:"Hard IP limit: window duration" default:"1m"`
	SoftLimitDur   time.Duration `long:"soft" env:"SOFT" description:"Soft limit: ignore probe requests for a server seen within duration" default:"5m"`
}

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if the help flag is invoked.
func Parse() *Config {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	if cfg.Server.AuthToken == "" {
		fmt.Fprintln(os.Stderr,
			"Required flag `-t, --auth-token' or environment variable `HERALD_AUTH_TOKEN` was not specified!")
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	return &cfg
}

// Validate checks values the flag parser cannot.
func (c *Config) Validate() error {
	if _, err := c.Watch.Addresses(); err != nil {
		return err
	}
	if c.Failsafe.RateLimitEnabled && c.Failsafe.RateLimitMaxExecutions <= 0 {
		return fmt.Errorf("failsafe rate limit needs a positive max executions, got %d", c.Failsafe.RateLimitMaxExecutions)
	}
	if c.Failsafe.RetryBackoffEnabled && c.Failsafe.RetryBackoffFactor < 1 {
		return fmt.Errorf("failsafe backoff factor must be at least 1, got %g", c.Failsafe.RetryBackoffFactor)
	}
	return nil
}
