// Package retry runs an operation under a bounded exponential-backoff
// policy. The three schedules used across the tool (tunnel probing, engine
// connect, registry pulls) are all expressed as Policy values so their
// shapes cannot drift apart.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// BaseDelay is the first delay; each subsequent delay doubles it by
	// Multiplier.
	BaseDelay time.Duration
	// Multiplier scales the delay after each attempt. Zero means 2.
	Multiplier int
	// SleepFirst sleeps BaseDelay before the first attempt instead of
	// only between attempts. Used when the target needs time to come up
	// before the first probe can possibly succeed.
	SleepFirst bool

	// Sleep overrides the context-aware sleep, for tests. Nil uses the
	// real clock.
	Sleep func(context.Context, time.Duration) error
}

func (p Policy) multiplier() int {
	if p.Multiplier <= 0 {
		return 2
	}
	return p.Multiplier
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepWithContext(ctx, d)
}

// Do invokes fn until it succeeds or the policy is exhausted. On
// exhaustion the returned error joins every attempt's failure, wrapped
// with the attempt count. Context cancellation aborts between attempts.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		return errors.New("retry: policy allows no attempts")
	}

	delay := p.BaseDelay
	tried := 0
	var failures []error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 || p.SleepFirst {
			if err := p.sleep(ctx, delay); err != nil {
				failures = append(failures, err)
				break
			}
			delay *= time.Duration(p.multiplier())
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		tried++
		failures = append(failures, err)

		if ctx.Err() != nil {
			break
		}
	}
	// A cancelled SleepFirst pre-sleep fails before fn ever ran.
	if tried == 0 {
		return fmt.Errorf("before the first attempt: %w", errors.Join(failures...))
	}
	return fmt.Errorf("after %d attempts: %w", tried, errors.Join(failures...))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
