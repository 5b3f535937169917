// Package retry runs an operation with exponential backoff until it
// succeeds, is marked permanent, or the attempt budget runs out.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

type Config struct {
	// Attempts is the total number of tries, the first included.
	Attempts   int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter spreads the delay by up to a quarter either way, so a burst
	// of clients reconnecting after a relay restart does not arrive in
	// lockstep.
	Jitter bool
}

func DefaultConfig() Config {
	return Config{
		Attempts:   4,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Retry returns it as-is on the
// attempt that produced it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func Retry(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 1
	}

	delay := cfg.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == cfg.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(cfg, delay)):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return fmt.Errorf("after %d attempts: %w", cfg.Attempts, err)
}

func jittered(cfg Config, d time.Duration) time.Duration {
	if !cfg.Jitter || d <= 0 {
		return d
	}
	quarter := int64(d / 4)
	if quarter == 0 {
		return d
	}
	return d - time.Duration(quarter) + time.Duration(rand.Int63n(2*quarter+1))
}
