// Package poller tracks the authoritative charging session by polling the
// backend on a fixed interval while the host is visible.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jkaberg/nova-driver/internal/backend"
	"github.com/jkaberg/nova-driver/internal/bus"
	"github.com/jkaberg/nova-driver/internal/config"
	"github.com/jkaberg/nova-driver/internal/domain"
	"github.com/sirupsen/logrus"
)

// StatusSource is the network read performed on every tick.
type StatusSource interface {
	GetChargingSessionStatus(ctx context.Context) (*backend.ChargingStatus, error)
}

// Status is the poller-derived view exposed to collaborators.
type Status struct {
	domain.ChargingSession
	ConsecutiveFailures int  `json:"consecutive_failures"`
	Stale               bool `json:"stale"`
}

// Poller polls the charging session record. Failures are swallowed and
// counted; they never surface as state transitions.
type Poller struct {
	src            StatusSource
	events         *bus.Bus
	logger         *logrus.Logger
	displayWindow  time.Duration
	staleThreshold int
	now            func() time.Time

	mu        sync.Mutex
	session   domain.ChargingSession
	failures  int
	incentive *domain.Incentive
	expiry    *time.Timer
	rewarded  map[string]struct{}

	loop *Loop
}

// New creates a poller. It starts visible.
func New(src StatusSource, events *bus.Bus, interval time.Duration, logger *logrus.Logger) *Poller {
	if interval <= 0 {
		interval = config.SessionPollInterval
	}
	return &Poller{
		src:            src,
		events:         events,
		logger:         logger,
		displayWindow:  config.IncentiveDisplayWindow,
		staleThreshold: config.StaleFailureThreshold,
		now:            time.Now,
		rewarded:       make(map[string]struct{}),
		loop:           NewLoop(interval),
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (p *Poller) Run(ctx context.Context) error {
	defer p.stopExpiry()
	return p.loop.Run(ctx, p.Poll)
}

// SetVisible pauses polling when the host goes to the background and resumes
// it, with an immediate refresh, when it comes back.
func (p *Poller) SetVisible(visible bool) {
	p.loop.SetVisible(visible)
	p.logger.WithField("visible", visible).Debug("poller: visibility changed")
}

// Visible reports whether polling is active.
func (p *Poller) Visible() bool { return p.loop.Visible() }

// Poll performs one tick.
func (p *Poller) Poll(ctx context.Context) {
	st, err := p.src.GetChargingSessionStatus(ctx)
	if err != nil {
		p.mu.Lock()
		p.failures++
		failures := p.failures
		p.mu.Unlock()
		p.logger.WithError(err).WithField("consecutive_failures", failures).Warn("poller: session poll failed")
		return
	}
	p.apply(st)
}

func (p *Poller) apply(st *backend.ChargingStatus) {
	now := p.now()

	p.mu.Lock()
	p.failures = 0
	prev := p.session
	next := domain.ChargingSession{
		SessionID:       st.SessionID,
		IsActive:        st.IsActive,
		DurationMinutes: st.DurationMinutes,
		KWhDelivered:    st.KWhDelivered,
	}
	if st.LastIncentiveCents != nil {
		next.LastIncentiveCents = *st.LastIncentiveCents
	}
	switch {
	case st.StartedAt != nil:
		next.StartedAt = *st.StartedAt
	case st.IsActive && prev.IsActive && prev.SessionID == st.SessionID:
		next.StartedAt = prev.StartedAt
	case st.IsActive:
		next.StartedAt = now
	}
	if !st.IsActive && next.SessionID == "" {
		next.SessionID = prev.SessionID
	}

	var kinds []bus.Kind
	var earned *domain.Incentive
	switch {
	case !prev.IsActive && next.IsActive:
		kinds = append(kinds, bus.KindSessionStarted)
	case prev.IsActive && next.IsActive:
		kinds = append(kinds, bus.KindSessionUpdated)
	case prev.IsActive && !next.IsActive:
		kinds = append(kinds, bus.KindSessionEnded)
		if next.LastIncentiveCents > 0 {
			earned = p.raiseIncentiveLocked(next, prev.StartedAt, now)
		}
	}
	if next.IsActive {
		p.session = next
	} else {
		// Only the last incentive and id outlive an ended session.
		p.session = domain.ChargingSession{SessionID: next.SessionID, LastIncentiveCents: next.LastIncentiveCents}
	}
	p.mu.Unlock()

	for _, k := range kinds {
		p.events.Publish(k, next)
	}
	if earned != nil {
		p.logger.WithFields(logrus.Fields{
			"session_id": earned.SessionID,
			"amount":     earned.Label(),
		}).Info("poller: incentive earned")
		p.events.Publish(bus.KindIncentiveEarned, *earned)
	}
	if len(kinds) > 0 && kinds[0] != bus.KindSessionUpdated {
		p.logger.WithFields(logrus.Fields{
			"session_id": next.SessionID,
			"event":      kinds[0],
		}).Info("poller: charging session changed")
	}
}

// raiseIncentiveLocked returns the new notification, or nil when this
// session's reward was already shown. Sessions without an id are keyed by
// their start time. Caller holds p.mu.
func (p *Poller) raiseIncentiveLocked(s domain.ChargingSession, startedAt, now time.Time) *domain.Incentive {
	key := s.SessionID
	if key == "" {
		key = fmt.Sprintf("anon:%d:%d", startedAt.UnixNano(), s.LastIncentiveCents)
	}
	if _, seen := p.rewarded[key]; seen {
		return nil
	}
	p.rewarded[key] = struct{}{}

	inc := &domain.Incentive{
		SessionID: s.SessionID,
		Cents:     s.LastIncentiveCents,
		ShownAt:   now,
		ExpiresAt: now.Add(p.displayWindow),
	}
	p.incentive = inc
	if p.expiry != nil {
		p.expiry.Stop()
	}
	p.expiry = time.AfterFunc(p.displayWindow, func() { p.expireIncentive(inc) })
	out := *inc
	return &out
}

func (p *Poller) expireIncentive(inc *domain.Incentive) {
	p.mu.Lock()
	if p.incentive != inc {
		p.mu.Unlock()
		return
	}
	p.incentive = nil
	p.mu.Unlock()
	p.events.Publish(bus.KindIncentiveCleared, *inc)
}

// ClearIncentive consumes the current notification early (driver dismissed it).
func (p *Poller) ClearIncentive() {
	p.mu.Lock()
	inc := p.incentive
	p.incentive = nil
	if p.expiry != nil {
		p.expiry.Stop()
		p.expiry = nil
	}
	p.mu.Unlock()
	if inc != nil {
		p.events.Publish(bus.KindIncentiveCleared, *inc)
	}
}

func (p *Poller) stopExpiry() {
	p.mu.Lock()
	if p.expiry != nil {
		p.expiry.Stop()
	}
	p.mu.Unlock()
}

// Incentive returns the live notification, or nil.
func (p *Poller) Incentive() *domain.Incentive {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.incentive == nil || !p.now().Before(p.incentive.ExpiresAt) {
		return nil
	}
	out := *p.incentive
	return &out
}

// ConsecutiveFailures is the number of polls failed in a row.
func (p *Poller) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Status returns the cached poll result.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		ChargingSession:     p.session,
		ConsecutiveFailures: p.failures,
		Stale:               p.failures >= p.staleThreshold,
	}
}
