package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastConfig(attempts int) Config {
	return Config{
		Attempts:   attempts,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	boom := errors.New("still down")
	calls := 0
	err := Retry(context.Background(), fastConfig(3), func() error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "3 attempts")
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	rejected := errors.New("credentials rejected")
	calls := 0
	err := Retry(context.Background(), fastConfig(5), func() error {
		calls++
		return Permanent(rejected)
	})

	assert.Equal(t, rejected, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelsTheWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{Attempts: 10, BaseDelay: time.Minute, Multiplier: 2}

	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg, func() error { return errors.New("down") })
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestPermanentNilIsNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestJitterStaysWithinBounds(t *testing.T) {
	cfg := Config{Jitter: true}
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := jittered(cfg, base)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}
