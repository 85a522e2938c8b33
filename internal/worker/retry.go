package worker

import (
	"context"
	"time"
)

// RetryPolicy spaces connect attempts with capped exponential backoff.
// A zero InitialWait retries immediately.
type RetryPolicy struct {
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialWait: 500 * time.Millisecond,
		MaxWait:     30 * time.Second,
		Multiplier:  2,
	}
}

// Backoff is the wait before retry number attempt (0-based).
func (rp RetryPolicy) Backoff(attempt int) time.Duration {
	if rp.InitialWait <= 0 {
		return 0
	}
	mult := rp.Multiplier
	if mult < 1 {
		mult = 1
	}
	wait := float64(rp.InitialWait)
	for i := 0; i < attempt; i++ {
		wait *= mult
		if rp.MaxWait > 0 && wait >= float64(rp.MaxWait) {
			return rp.MaxWait
		}
	}
	return time.Duration(wait)
}

// Wait sleeps for Backoff(attempt); it reports false if ctx ended first.
func (rp RetryPolicy) Wait(ctx context.Context, attempt int) bool {
	return sleep(ctx, rp.Backoff(attempt))
}

// sleep waits for d or until ctx is done; it reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
