package config

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/woozymasta/herald/internal/channel"
	"github.com/woozymasta/herald/internal/failsafe"
	"github.com/woozymasta/herald/internal/messenger"
	"github.com/woozymasta/herald/internal/pool"
	"github.com/woozymasta/herald/internal/rcon"
	"github.com/woozymasta/herald/internal/source"
)

// Messenger holds the options shared by the query and console messengers.
type Messenger struct {
	// betteralign:ignore

	ProcessingMode     string        `long:"processing-mode" env:"PROCESSING_MODE" description:"Queue processing mode" choice:"async" choice:"sync" default:"async"`
	QueueCapacity      int           `long:"queue-capacity" env:"QUEUE_CAPACITY" description:"Queued requests before producers block" default:"64"`
	SessionTimeout     time.Duration `long:"session-timeout" env:"SESSION_TIMEOUT" description:"Fail requests without a response after this duration, 0 disables" default:"15s"`
	ShutdownTimeout    time.Duration `long:"shutdown-timeout" env:"SHUTDOWN_TIMEOUT" description:"Wait for requests in flight on shutdown" default:"5s"`
	PoolMaxConnections int           `long:"pool-max-connections" env:"POOL_MAX_CONNECTIONS" description:"Pooled connections per server" default:"1"`
	PoolMaxIdle        int           `long:"pool-max-idle" env:"POOL_MAX_IDLE" description:"Idle connections kept per server" default:"1"`
	PoolAcquireTimeout time.Duration `long:"pool-acquire-timeout" env:"POOL_ACQUIRE_TIMEOUT" description:"Wait for a free pooled connection" default:"5s"`
	NoPooling          bool          `long:"no-connection-pooling" env:"NO_CONNECTION_POOLING" description:"Close connections after each exchange"`
	DialTimeout        time.Duration `long:"dial-timeout" env:"DIAL_TIMEOUT" description:"Connect timeout" default:"5s"`
	ReadTimeout        time.Duration `long:"read-timeout" env:"READ_TIMEOUT" description:"Wait for a response frame" default:"5s"`
	WriteTimeout       time.Duration `long:"write-timeout" env:"WRITE_TIMEOUT" description:"Wait for a write to complete" default:"5s"`
	KeepAlive          bool          `long:"socket-keep-alive" env:"SOCKET_KEEP_ALIVE" description:"Enable TCP keep-alive"`
}

// Failsafe holds the retry and rate-limit policy of every send.
type Failsafe struct {
	// betteralign:ignore

	Disabled                 bool          `long:"disabled" env:"DISABLED" description:"Send every request once, without rate limit or retries"`
	RateLimitEnabled         bool          `long:"rate-limit-enabled" env:"RATE_LIMIT_ENABLED" description:"Limit sends per period"`
	RateLimitMaxExecutions   int           `long:"rate-limit-max-executions" env:"RATE_LIMIT_MAX_EXECUTIONS" description:"Sends per period" default:"10"`
	RateLimitPeriod          time.Duration `long:"rate-limit-period" env:"RATE_LIMIT_PERIOD" description:"Rate limit period" default:"1s"`
	RateLimitMaxWait         time.Duration `long:"rate-limit-max-wait" env:"RATE_LIMIT_MAX_WAIT" description:"Wait for a permit before the send is rejected" default:"0s"`
	RetryDisabled            bool          `long:"retry-disabled" env:"RETRY_DISABLED" description:"Do not retry failed sends"`
	RetryMaxAttempts         int           `long:"retry-max-attempts" env:"RETRY_MAX_ATTEMPTS" description:"Attempts including the first" default:"3"`
	RetryDelay               time.Duration `long:"retry-delay" env:"RETRY_DELAY" description:"Pause between attempts without backoff" default:"500ms"`
	RetryBackoffEnabled      bool          `long:"retry-backoff-enabled" env:"RETRY_BACKOFF_ENABLED" description:"Grow the pause between attempts exponentially"`
	RetryBackoffInitialDelay time.Duration `long:"retry-backoff-initial-delay" env:"RETRY_BACKOFF_INITIAL_DELAY" description:"First backoff pause" default:"100ms"`
	RetryBackoffMaxDelay     time.Duration `long:"retry-backoff-max-delay" env:"RETRY_BACKOFF_MAX_DELAY" description:"Backoff pause ceiling" default:"5s"`
	RetryBackoffFactor       float64       `long:"retry-backoff-factor" env:"RETRY_BACKOFF_FACTOR" description:"Backoff growth factor" default:"2"`
	RetryOnClose             bool          `long:"retry-on-close" env:"RETRY_ON_CLOSE" description:"Retry exchanges whose connection dropped"`
}

// Policy converts the options into a failsafe configuration.
func (f Failsafe) Policy() failsafe.Config {
	return failsafe.Config{
		Enabled:                  !f.Disabled,
		RateLimitEnabled:         f.RateLimitEnabled,
		RateLimitMaxExecutions:   f.RateLimitMaxExecutions,
		RateLimitPeriod:          f.RateLimitPeriod,
		RateLimitMaxWaitTime:     f.RateLimitMaxWait,
		RetryEnabled:             !f.RetryDisabled,
		RetryMaxAttempts:         f.RetryMaxAttempts,
		RetryDelay:               f.RetryDelay,
		RetryBackoffEnabled:      f.RetryBackoffEnabled,
		RetryBackoffInitialDelay: f.RetryBackoffInitialDelay,
		RetryBackoffMaxDelay:     f.RetryBackoffMaxDelay,
		RetryBackoffFactor:       f.RetryBackoffFactor,
		RetryOnClose:             f.RetryOnClose,
	}
}

// Options converts the options into messenger options named name.
func (m Messenger) Options(name string, policy failsafe.Config) messenger.Options {
	mode, err := messenger.ParseMode(m.ProcessingMode)
	if err != nil {
		mode = messenger.ModeAsync
	}
	return messenger.Options{
		Name:           name,
		Failsafe:       policy,
		SessionTimeout: m.SessionTimeout,
		DrainTimeout:   m.ShutdownTimeout,
		QueueSize:      m.QueueCapacity,
		Mode:           mode,
	}
}

// Pool converts the options into a pool configuration.
func (m Messenger) Pool() pool.Config {
	return pool.Config{
		MaxConnections: m.PoolMaxConnections,
		MaxIdle:        m.PoolMaxIdle,
		AcquireTimeout: m.PoolAcquireTimeout,
		NoReuse:        m.NoPooling,
	}
}

// Dial converts the options into dial options.
func (m Messenger) Dial() channel.DialOptions {
	return channel.DialOptions{
		DialTimeout:  m.DialTimeout,
		ReadTimeout:  m.ReadTimeout,
		WriteTimeout: m.WriteTimeout,
		KeepAlive:    m.KeepAlive,
	}
}

// SourceOptions returns the options of the A2S client.
func (c *Config) SourceOptions() source.Options {
	return source.Options{
		Messenger:  c.Messenger.Options("a2s", c.Failsafe.Policy()),
		Timeout:    c.A2S.Timeout,
		BufferSize: c.A2S.BufferSize,
	}
}

// RCONOptions returns the options of the RCON client.
func (c *Config) RCONOptions() rcon.Options {
	return rcon.Options{
		Messenger: c.Messenger.Options("rcon", c.Failsafe.Policy()),
		Dial:      c.Messenger.Dial(),
		Pool:      c.Messenger.Pool(),
	}
}

// Addresses parses the watch targets.
func (w Watch) Addresses() ([]netip.AddrPort, error) {
	addrs := make([]netip.AddrPort, 0, len(w.Targets))
	for _, target := range w.Targets {
		addr, err := netip.ParseAddrPort(target)
		if err != nil {
			return nil, fmt.Errorf("watch target %q: %w", target, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
