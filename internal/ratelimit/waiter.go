package ratelimit

import (
	"context"
	"time"
)

// Waiter blocks until a detected limit resets, within a maximum wait.
type Waiter struct {
	// MaxWait is the longest reset the waiter is willing to sit out
	MaxWait time.Duration

	// SafetyBuffer is added after the reset time
	SafetyBuffer time.Duration

	// Interval between OnTick calls; zero disables ticking
	Interval time.Duration

	// OnTick is called with the remaining wait at every Interval
	OnTick func(remaining time.Duration)

	clock func() time.Time
}

// NewWaiter creates a Waiter with the given bounds.
func NewWaiter(maxWait, safetyBuffer time.Duration) *Waiter {
	return &Waiter{MaxWait: maxWait, SafetyBuffer: safetyBuffer, clock: time.Now}
}

func (w *Waiter) now() time.Time {
	if w.clock == nil {
		return time.Now()
	}
	return w.clock()
}

// ShouldWait reports whether the reset falls within MaxWait.
func (w *Waiter) ShouldWait(info *Info) bool {
	if info == nil {
		return false
	}
	return info.Remaining(w.now()) <= w.MaxWait
}

// TimeUntilResume is the remaining wait including the safety buffer.
func (w *Waiter) TimeUntilResume(info *Info) time.Duration {
	if info == nil {
		return 0
	}
	return info.Remaining(w.now()) + w.SafetyBuffer
}

// Wait blocks until the limit has reset. It returns ctx.Err() if ctx is
// cancelled first.
func (w *Waiter) Wait(ctx context.Context, info *Info) error {
	total := w.TimeUntilResume(info)
	if total <= 0 {
		return ctx.Err()
	}

	deadline := time.NewTimer(total)
	defer deadline.Stop()

	var tick <-chan time.Time
	if w.Interval > 0 && w.OnTick != nil {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	end := w.now().Add(total)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-tick:
			if remaining := end.Sub(w.now()); remaining > 0 {
				w.OnTick(remaining)
			}
		}
	}
}
