package alert

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrChannelSuspended is returned while a guarded channel is suspended after
// repeated delivery failures.
var ErrChannelSuspended = errors.New("alert channel suspended")

const (
	defaultSuspendAfter   = 5
	defaultProbeSuccesses = 2
	defaultSuspendWindow  = 30 * time.Second
)

// GuardedAlerter wraps a delivery channel and stops calling it after
// consecutive failures, so a dead webhook endpoint does not add a timeout to
// every alert. After the suspend window one probe send is let through; the
// channel reopens once enough probes succeed.
type GuardedAlerter struct {
	inner Alerter

	mu             sync.Mutex
	suspended      bool
	probing        bool
	failures       int
	probeSuccesses int
	suspendedAt    time.Time

	suspendAfter   int
	probeSuccQuota int
	suspendWindow  time.Duration
	nowFn          func() time.Time
}

// GuardOption configures a GuardedAlerter.
type GuardOption func(*GuardedAlerter)

// WithSuspendAfter sets how many consecutive failures suspend the channel.
func WithSuspendAfter(n int) GuardOption {
	return func(g *GuardedAlerter) {
		if n > 0 {
			g.suspendAfter = n
		}
	}
}

// WithSuspendWindow sets how long the channel stays suspended before a probe.
func WithSuspendWindow(d time.Duration) GuardOption {
	return func(g *GuardedAlerter) {
		if d > 0 {
			g.suspendWindow = d
		}
	}
}

func withNowFunc(now func() time.Time) GuardOption {
	return func(g *GuardedAlerter) { g.nowFn = now }
}

// NewGuardedAlerter wraps inner with failure-based suspension.
func NewGuardedAlerter(inner Alerter, opts ...GuardOption) *GuardedAlerter {
	g := &GuardedAlerter{
		inner:          inner,
		suspendAfter:   defaultSuspendAfter,
		probeSuccQuota: defaultProbeSuccesses,
		suspendWindow:  defaultSuspendWindow,
		nowFn:          time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *GuardedAlerter) Send(ctx context.Context, a Alert) error {
	if err := g.admit(); err != nil {
		return err
	}

	err := g.inner.Send(ctx, a)
	g.record(err == nil)
	return err
}

// admit decides whether a send may reach the channel in its current state.
func (g *GuardedAlerter) admit() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.suspended {
		return nil
	}
	if g.probing {
		return nil
	}
	if g.nowFn().Sub(g.suspendedAt) >= g.suspendWindow {
		g.probing = true
		return nil
	}
	return ErrChannelSuspended
}

func (g *GuardedAlerter) record(ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ok {
		g.failures = 0
		if g.probing {
			g.probeSuccesses++
			if g.probeSuccesses >= g.probeSuccQuota {
				g.suspended = false
				g.probing = false
				g.probeSuccesses = 0
			}
		}
		return
	}

	g.probeSuccesses = 0
	if g.probing {
		// The probe failed; suspend again for a full window.
		g.probing = false
		g.suspendedAt = g.nowFn()
		return
	}
	g.failures++
	if !g.suspended && g.failures >= g.suspendAfter {
		g.suspended = true
		g.suspendedAt = g.nowFn()
	}
}

// Suspended reports whether the channel is currently suspended.
func (g *GuardedAlerter) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspended
}
