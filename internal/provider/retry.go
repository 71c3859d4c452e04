package provider

import (
	"context"
	"math/rand"
	"time"

	"github.com/antinomyhq/forge-sub003/internal/config"
	"github.com/antinomyhq/forge-sub003/internal/logging"
)

// Notify is invoked before each retry sleep with the failure cause and the
// chosen wait. The orchestrator forwards these as retry events so front-ends
// can show progress instead of a stalled spinner.
type Notify func(cause string, wait time.Duration)

// Retry runs fn under the configured backoff curve. Only transient errors
// (see IsTransient) are retried; permanent errors and context cancellation
// return immediately. The final error is the last attempt's error.
func Retry(ctx context.Context, cfg config.RetryConfig, notify Notify, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) || attempt >= attempts {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := backoff(cfg, attempt)
		logging.API("retry %d/%d in %s: %v", attempt, attempts, wait, err)
		if notify != nil {
			notify(err.Error(), wait)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoff computes the delay before retry number attempt (1-based):
// exponential growth from MinDelay with symmetric jitter.
func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	min := cfg.MinDelay
	if min <= 0 {
		min = 200 * time.Millisecond
	}
	factor := cfg.Factor
	if factor < 1 {
		factor = 2.0
	}

	delay := float64(min)
	for i := 1; i < attempt; i++ {
		delay *= factor
	}

	if cfg.JitterFraction > 0 {
		// Uniform in [1-j, 1+j].
		spread := cfg.JitterFraction
		delay *= 1 + (rand.Float64()*2-1)*spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
