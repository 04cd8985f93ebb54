// Package notify emits periodic liveness signals while a conversation run is
// in flight, so a slow tool call never makes the session look stalled.
package notify

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is the signal cadence.
const DefaultInterval = 4 * time.Second

// SignalFunc emits one liveness signal, e.g. a platform typing indicator.
type SignalFunc func(ctx context.Context)

// Notifier drives a SignalFunc on a fixed period between Start and Stop.
type Notifier struct {
	interval time.Duration
	signal   SignalFunc
}

// New creates a notifier. A non-positive interval uses DefaultInterval.
func New(interval time.Duration, signal SignalFunc) *Notifier {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Notifier{interval: interval, signal: signal}
}

// Handle is one running notification loop. It is sealed after Stop: a late
// Start-era tick can never fire once Stop has returned.
type Handle struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Start emits one signal immediately and then one per interval until Stop is
// called or ctx is cancelled. The returned handle must be stopped; stopping
// after ctx cancellation is still safe.
func (n *Notifier) Start(ctx context.Context) *Handle {
	h := &Handle{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(h.done)

		if n.signal == nil {
			select {
			case <-ctx.Done():
			case <-h.stop:
			}
			return
		}

		n.signal(ctx)
		ticker := time.NewTicker(n.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				n.signal(ctx)
			}
		}
	}()

	return h
}

// Stop ends the loop and waits for the last in-flight signal to finish, so
// no signal is emitted after Stop returns. Idempotent.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	<-h.done
}
