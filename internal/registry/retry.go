package registry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// MaxRetryAttempts is the number of attempts a chunk gets before it is
	// marked PERMANENTLY_FAILED.
	MaxRetryAttempts = 3

	// InitialRetryDelay is the backoff base: attempt 1 waits this long,
	// attempt 2 waits double, attempt 3 (if ever reached) would wait
	// quadruple -- but attempt 3 is never retried, it exhausts the budget.
	InitialRetryDelay = 5 * time.Second

	retryMultiplier = 2.0
)

// retryDelay returns the backoff delay to apply after the attempts-th
// failed attempt:
// INITIAL_RETRY_DELAY_MS x 2^(attempts-1), i.e. 5s, 10s, 20s for attempts 1, 2, 3.
//
// It is built on cenkalti/backoff's ExponentialBackOff rather than hand-
// rolled exponentiation: randomization is disabled so the sequence is
// exact and deterministic for tests.
func retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = InitialRetryDelay
	b.Multiplier = retryMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // never expire the schedule itself
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
