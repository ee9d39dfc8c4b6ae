package poller

import (
	"context"
	"sync"
	"time"
)

// Loop runs a poll function on a fixed interval while visible. Hiding the
// host pauses it; showing it again triggers an immediate refresh.
type Loop struct {
	interval time.Duration

	mu      sync.Mutex
	visible bool
	wake    chan struct{}
}

// NewLoop returns a visible loop.
func NewLoop(interval time.Duration) *Loop {
	return &Loop{interval: interval, visible: true, wake: make(chan struct{}, 1)}
}

// Run calls fn immediately and then on every tick until ctx is cancelled.
func (l *Loop) Run(ctx context.Context, fn func(context.Context)) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
			fn(ctx)
		case <-ticker.C:
			if !l.Visible() {
				continue
			}
			fn(ctx)
		}
	}
}

// SetVisible pauses or resumes the loop. It reports whether polling resumed.
func (l *Loop) SetVisible(visible bool) bool {
	l.mu.Lock()
	was := l.visible
	l.visible = visible
	l.mu.Unlock()

	if visible && !was {
		l.Kick()
		return true
	}
	return false
}

// Kick requests an out-of-band poll.
func (l *Loop) Kick() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Visible reports whether the loop is polling.
func (l *Loop) Visible() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.visible
}
