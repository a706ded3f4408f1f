// Package retry runs idempotent operations with bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap for any single delay
	Multiplier float64       // growth factor per attempt
	Jitter     bool          // +/-10% random jitter

	// Retryable decides whether an error is worth another attempt. A nil
	// Retryable retries every error.
	Retryable func(error) bool
}

// DefaultConfig returns the backoff used for store reads.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// MaxRetries, or ctx is done. It returns the number of attempts made and the
// last error.
func Do(ctx context.Context, name string, cfg Config, op func(context.Context) error) (int, error) {
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(ctx); err == nil {
			if attempt > 0 {
				log.Debug().Str("op", name).Int("retries", attempt).Msg("retry: succeeded")
			}
			return attempt + 1, nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return attempt + 1, err
		}
		if attempt >= cfg.MaxRetries {
			log.Warn().Err(err).Str("op", name).Int("attempts", attempt+1).Msg("retry: giving up")
			return attempt + 1, err
		}

		delay := Delay(cfg, attempt)
		log.Debug().Err(err).Str("op", name).Int("attempt", attempt+1).Dur("delay", delay).Msg("retry: backing off")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, ctx.Err()
		case <-timer.C:
		}
	}
}

// Delay computes the wait before retry number attempt+1:
// BaseDelay * Multiplier^attempt, capped at MaxDelay, with optional jitter.
func Delay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}
	return time.Duration(delay)
}
