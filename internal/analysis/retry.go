package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/retrace-app/retrace/internal/provider"
)

// retrySchedules maps a failure class to its backoff schedule. Auth has no
// schedule: a bad credential never fixes itself.
var retrySchedules = map[provider.Class][]time.Duration{
	provider.ClassNetwork:   {2 * time.Second, 4 * time.Second, 8 * time.Second},
	provider.ClassRateLimit: {10 * time.Second, 20 * time.Second, 40 * time.Second},
	provider.ClassParse:     {0}, // one immediate retry, then give up
	provider.ClassCapacity:  {0, 0},
}

// fallbacker is satisfied by providers that can drop a model tier.
type fallbacker interface {
	FallbackTier() bool
}

// withRetries runs fn under the per-class retry policy. Each attempt gets
// its own timeout; a deadline hit counts as a network failure. Capacity
// failures trigger a tier fallback on providers that support one.
func withRetries(ctx context.Context, attemptTimeout time.Duration, p provider.Provider, op string, fn func(context.Context) error) error {
	attempt := func() error {
		actx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()
		err := fn(actx)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &provider.Error{Class: provider.ClassNetwork, Op: op, Err: err}
		}
		return err
	}

	err := attempt()
	used := make(map[provider.Class]int)
	for err != nil {
		if ctx.Err() != nil {
			return err
		}
		class := provider.ClassOf(err)
		schedule, retryable := retrySchedules[class]
		if !retryable || used[class] >= len(schedule) {
			return err
		}

		if class == provider.ClassCapacity {
			fb, ok := p.(fallbacker)
			if !ok || !fb.FallbackTier() {
				return err
			}
			slog.Warn("model tier exhausted capacity, falling back", "op", op)
		}

		delay := schedule[used[class]]
		used[class]++
		slog.Warn("provider call failed, retrying", "op", op, "class", class, "attempt", used[class], "delay", delay, "error", err)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			case <-time.After(delay):
			}
		}
		err = attempt()
	}
	return nil
}
