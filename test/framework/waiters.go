package framework

import (
	"context"
	"fmt"
	"time"
)

// Waiter polls a condition until it holds or a timeout expires.
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a Waiter with the given timeout and polling interval.
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter tuned for the in-process stack, where
// state changes settle in milliseconds (10s timeout, 25ms interval).
func DefaultWaiter() *Waiter {
	return NewWaiter(10*time.Second, 25*time.Millisecond)
}

// WaitFor waits for a condition to become true.
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

