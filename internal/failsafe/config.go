package failsafe

import "time"

// Config is the retry and rate-limit policy wrapped around every send.
type Config struct {
	// Enabled switches the whole policy. A disabled executor runs each send once.
	Enabled bool

	RateLimitEnabled bool
	// RateLimitMaxExecutions sends are allowed per RateLimitPeriod.
	RateLimitMaxExecutions int
	RateLimitPeriod        time.Duration
	// RateLimitMaxWaitTime is how long a send may wait for a permit before it is rejected.
	RateLimitMaxWaitTime time.Duration

	RetryEnabled bool
	// RetryMaxAttempts counts the first attempt.
	RetryMaxAttempts int
	// RetryDelay is the pause between attempts without backoff.
	RetryDelay time.Duration

	RetryBackoffEnabled      bool
	RetryBackoffInitialDelay time.Duration
	RetryBackoffMaxDelay     time.Duration
	RetryBackoffFactor       float64

	// RetryOnClose retries exchanges whose channel dropped with a cause.
	RetryOnClose bool
}

// DefaultConfig returns the policy used when nothing is configured: three attempts with
// exponential backoff and no rate limit.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		RateLimitMaxExecutions:   10,
		RateLimitPeriod:          time.Second,
		RetryEnabled:             true,
		RetryMaxAttempts:         3,
		RetryDelay:               time.Second,
		RetryBackoffEnabled:      true,
		RetryBackoffInitialDelay: 100 * time.Millisecond,
		RetryBackoffMaxDelay:     5 * time.Second,
		RetryBackoffFactor:       2,
	}
}

// Delay returns the pause after the given failed attempt, counted from 1.
func (c Config) Delay(attempt int) time.Duration {
	if !c.RetryBackoffEnabled {
		return c.RetryDelay
	}

	delay := float64(c.RetryBackoffInitialDelay)
	factor := c.RetryBackoffFactor
	if factor < 1 {
		factor = 1
	}
	limit := float64(c.RetryBackoffMaxDelay)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if limit > 0 && delay >= limit {
			return c.RetryBackoffMaxDelay
		}
	}
	if limit > 0 && delay > limit {
		return c.RetryBackoffMaxDelay
	}
	return time.Duration(delay)
}

func (c Config) maxAttempts() int {
	if !c.RetryEnabled || c.RetryMaxAttempts < 1 {
		return 1
	}
	return c.RetryMaxAttempts
}
