package biz

import (
	"context"
	"time"
)

// Clock abstracts the wall clock so window, backoff, and recovery timing
// can be tested deterministically.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is cancelled, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// realClock is the production Clock backed by the time package.
type realClock struct{}

// NewClock returns the production wall clock.
func NewClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
