// Package resilience provides the Retry/CircuitBreaker primitives used by
// the two components of a dagrun runtime that talk to something outside
// the process — execution-history persistence and the optional NATS
// diagnostics bridge. Port and Operator deliberately do NOT use this
// package: their input-wait and dependency-gating retries are
// fixed-interval polls against in-process state, not failure-prone calls
// to an external system, so jittered backoff and circuit-breaking would
// add latency without addressing a real failure mode.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// meterName is the instrumentation scope every resilience instrument is
// recorded under.
const meterName = "dagrun"

// Retry executes fn with exponential backoff and full jitter. delay is the
// initial backoff; it doubles each attempt up to a 60s cap.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter(meterName)
	attemptCounter, _ := meter.Int64Counter("dagrun_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("dagrun_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("dagrun_resilience_retry_fail_total")

	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
