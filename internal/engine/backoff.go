package engine

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines reconnect delay growth while dialing the gateway.
type BackoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool
}

// DefaultBackoff returns the dial retry defaults.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    250 * time.Millisecond,
		Multiplier: 2.0,
		Max:        5 * time.Second,
		Jitter:     true,
	}
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.Initial
	}
	if cfg.Initial <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.Initial) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
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
