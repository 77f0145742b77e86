package shm

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig paces retries after losing the turn race on a mailbox.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 20 * time.Microsecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Millisecond,
		Jitter:       true,
	}
}

// WithDefaults fills unset fields. A zero InitialDelay alongside any other
// setting is kept and means yield-only spinning.
func (c BackoffConfig) WithDefaults() BackoffConfig {
	def := DefaultBackoff()
	if c == (BackoffConfig{}) {
		return def
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = max(def.MaxDelay, c.InitialDelay)
	}
	return c
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
