package transmit

import "time"

const (
	// DefaultConcurrency bounds simultaneously in-flight chunk transmissions.
	DefaultConcurrency = 3

	// DefaultMaxRetries is the per-chunk retry ceiling; a chunk is attempted
	// at most DefaultMaxRetries+1 times before the session fails.
	DefaultMaxRetries = 3

	// DefaultBackoffBase is the delay before the first retry; it doubles on
	// each subsequent attempt. No jitter is applied.
	DefaultBackoffBase = time.Second
)

// Config holds the transmit tuning knobs.
type Config struct {
	// Concurrency is the maximum number of in-flight chunk transmissions.
	Concurrency int

	// MaxRetries is the per-chunk retry ceiling.
	MaxRetries int

	// BackoffBase is the delay before the first retry, doubled per attempt.
	BackoffBase time.Duration
}

// DefaultConfig returns the default transmit configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: DefaultConcurrency,
		MaxRetries:  DefaultMaxRetries,
		BackoffBase: DefaultBackoffBase,
	}
}

// Normalize replaces unset fields with their defaults.
func (c Config) Normalize() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	return c
}
