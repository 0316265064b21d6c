// Package resilience provides backoff retry and circuit-breaking primitives
// shared by the kernel's side-effecting components (outbox reconciliation,
// per-tool circuit breaking in the orchestrator).
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn up to attempts times with exponential backoff (doubling
// from delay, capped at 60s) and full jitter between attempts. It returns the
// first successful result, or the last error once attempts are exhausted.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	meter := otel.Meter("kernel")
	attemptCounter, _ := meter.Int64Counter("kernel_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("kernel_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("kernel_resilience_retry_fail_total")

	cur := delay
	var lastErr error
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
