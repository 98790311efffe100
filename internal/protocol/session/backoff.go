package session

import (
	"context"
	"math/rand"
	"time"
)

// NextBackoffDelay is the pause before retry attempt (1-based). The first
// retry waits InitialDelay; each later one grows by Multiplier up to
// MaxDelay. Jitter scales the result into [0.5, 1.5); without rng the lower
// bound is used.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if cfg.MaxDelay > 0 && delay >= float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
			break
		}
	}
	if cfg.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		delay *= scale
	}
	return time.Duration(delay)
}

// Backoff counts consecutive failures of one link.
type Backoff struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	attempt int
}

// NewBackoff seeds its own jitter source when rng is nil and cfg asks for
// jitter.
func NewBackoff(cfg BackoffConfig, rng *rand.Rand) *Backoff {
	if rng == nil && cfg.Jitter {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Backoff{cfg: cfg, rng: rng}
}

// Next records a failure and returns the pause before the next try.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return NextBackoffDelay(b.cfg, b.attempt, b.rng)
}

// Wait sleeps the next pause unless ctx ends first.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (b *Backoff) Attempts() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
