// Package driver owns the driver's session state: the four-mode state
// machine, exclusive activation, and reconciliation of the local exclusive
// against the backend's polled record.
//
// Every mutation of the consistency group (state, exclusive, guard) happens
// under Machine.mu, and no network call is ever made while holding it.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jkaberg/nova-driver/internal/backend"
	"github.com/jkaberg/nova-driver/internal/bus"
	"github.com/jkaberg/nova-driver/internal/config"
	"github.com/jkaberg/nova-driver/internal/domain"
	"github.com/jkaberg/nova-driver/internal/geofence"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Backend is the subset of the rewards API the machine drives.
type Backend interface {
	CheckLocation(ctx context.Context, lat, lng float64) (*backend.LocationCheck, error)
	ActivateExclusive(ctx context.Context, req backend.ActivateRequest) (*backend.ActivateResponse, error)
	CompleteExclusive(ctx context.Context, exclusiveID string) error
	GetActiveExclusive(ctx context.Context) (*backend.ActiveExclusiveResponse, error)
	InvalidateActiveExclusive()
	HasToken() bool
}

// Options tune a Machine.
type Options struct {
	MockMode        bool
	ConfidenceTiers []string
	Now             func() time.Time
}

// Machine is the driver state machine. The zero value is not usable; use New.
type Machine struct {
	api    Backend
	events *bus.Bus
	logger *logrus.Logger
	mock   bool
	tiers  map[string]struct{}
	now    func() time.Time

	flight singleflight.Group

	mu               sync.Mutex
	state            domain.DriverState
	exclusive        *domain.ExclusiveSession
	guard            guard
	epoch            uint64
	arrivalConfirmed bool

	coords     *domain.Coordinates
	geo        geofence.Result
	charging   domain.ChargingSession
	tier       string
	intentID   string
	attempt    Attempt
	completing bool
}

// New returns a machine in PRE_CHARGING.
func New(api Backend, events *bus.Bus, opts Options, logger *logrus.Logger) *Machine {
	tiers := opts.ConfidenceTiers
	if tiers == nil {
		tiers = config.HighConfidenceTiers
	}
	set := make(map[string]struct{}, len(tiers))
	for _, t := range tiers {
		set[t] = struct{}{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		api:    api,
		events: events,
		logger: logger,
		mock:   opts.MockMode,
		tiers:  set,
		now:    now,
		state:  domain.StatePreCharging,
	}
}

// State returns the live driver state.
func (m *Machine) State() domain.DriverState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Exclusive returns a copy of the local exclusive, or nil.
func (m *Machine) Exclusive() *domain.ExclusiveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyExclusive(m.exclusive)
}

// ManualClear reports whether backend payloads are currently suppressed.
func (m *Machine) ManualClear() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guard.manualClear()
}

// RemainingSeconds is the exclusive countdown, 0 without an exclusive.
func (m *Machine) RemainingSeconds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exclusive.Remaining(m.now())
}

// change is a deferred publication collected while holding the lock.
type change struct {
	from, to  domain.DriverState
	exclusive bool
	reason    string
}

// setStateLocked moves to next and records the change. Caller holds m.mu.
func (m *Machine) setStateLocked(c *change, next domain.DriverState, reason string) {
	if m.state == next {
		return
	}
	if c.from == "" {
		c.from = m.state
	}
	c.to = next
	c.reason = reason
	m.state = next
}

// publish emits events after the lock is released.
func (m *Machine) publish(c change) {
	if c.to != "" && c.to != c.from {
		m.logger.WithFields(logrus.Fields{
			"from":   c.from,
			"to":     c.to,
			"reason": c.reason,
		}).Info("driver: state changed")
		m.events.Publish(bus.KindStateChanged, c.to)
	}
	if c.exclusive {
		m.events.Publish(bus.KindExclusiveChanged, m.Exclusive())
	}
}

// OnLocation records a fix and its geofence verdict and applies the
// proximity transitions. A result without a fix never moves the machine.
func (m *Machine) OnLocation(coords *domain.Coordinates, res geofence.Result) {
	if coords == nil || !res.HasFix {
		return
	}
	var c change
	m.mu.Lock()
	fix := *coords
	m.coords = &fix
	m.geo = res
	m.applyGeofenceLocked(&c)
	m.mu.Unlock()
	m.publish(c)
}

// applyGeofenceLocked is suppressed while an exclusive or the completion flow
// is live; the verdict is only recorded. Caller holds m.mu.
func (m *Machine) applyGeofenceLocked(c *change) {
	switch m.state {
	case domain.StatePreCharging:
		if m.geo.InRadius {
			m.setStateLocked(c, domain.StateChargingActive, "geofence entered")
		}
	case domain.StateChargingActive:
		if !m.geo.InRadius && m.exclusive == nil {
			m.setStateLocked(c, domain.StatePreCharging, "geofence left")
		}
	}
}

// OnChargingSession feeds the session poller's latest observation. A newly
// detected session means the driver is plugged in at a charger.
func (m *Machine) OnChargingSession(s domain.ChargingSession, started bool) {
	var c change
	m.mu.Lock()
	m.charging = s
	if started && m.state == domain.StatePreCharging {
		m.setStateLocked(&c, domain.StateChargingActive, "charging session detected")
	}
	m.mu.Unlock()
	m.publish(c)
}

// SetDiscovery records the confidence tier and correlating discovery session
// from the latest discovery response.
func (m *Machine) SetDiscovery(tier, intentSessionID string) {
	m.mu.Lock()
	m.tier = tier
	m.intentID = intentSessionID
	m.mu.Unlock()
}

// Cancel drops the active exclusive at the driver's request. It is purely
// local; backend payloads for the same session are suppressed until the
// backend reports none.
func (m *Machine) Cancel() error {
	var c change
	m.mu.Lock()
	if m.state != domain.StateExclusiveActive || m.exclusive == nil {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cancel in %s: %w", state, domain.ErrInvalidTransition)
	}
	id := m.exclusive.ID
	m.clearLocalLocked(&c, id)
	m.setStateLocked(&c, domain.StatePreCharging, "exclusive cancelled")
	m.mu.Unlock()

	m.api.InvalidateActiveExclusive()
	m.logger.WithField("exclusive_id", id).Info("driver: exclusive cancelled")
	m.publish(c)
	return nil
}

// clearLocalLocked is the user-initiated clear: local copy gone, guard set,
// epoch bumped. Caller holds m.mu.
func (m *Machine) clearLocalLocked(c *change, id string) {
	m.exclusive = nil
	m.guard.clear(id)
	m.epoch++
	c.exclusive = true
}

// ConfirmArrival completes the exclusive on the backend. On success the
// driver enters the arrival-confirmed phase of EXCLUSIVE_ACTIVE and awaits
// feedback; on failure nothing changes.
func (m *Machine) ConfirmArrival(ctx context.Context) error {
	m.mu.Lock()
	if m.state != domain.StateExclusiveActive || m.exclusive == nil || m.completing {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("confirm arrival in %s: %w", state, domain.ErrInvalidTransition)
	}
	id := m.exclusive.ID
	m.completing = true
	m.mu.Unlock()

	err := m.api.CompleteExclusive(ctx, id)

	var c change
	m.mu.Lock()
	m.completing = false
	if err != nil {
		m.mu.Unlock()
		m.logger.WithError(err).WithField("exclusive_id", id).Warn("driver: complete exclusive failed")
		return asUserFacing("completeExclusive", err)
	}
	if m.exclusive != nil && m.exclusive.ID == id {
		m.clearLocalLocked(&c, id)
		m.arrivalConfirmed = true
	} else {
		// Cleared while completing; the backend still saw a completion.
		m.guard.clear(id)
	}
	m.mu.Unlock()

	m.logger.WithField("exclusive_id", id).Info("driver: arrival confirmed")
	m.publish(c)
	return nil
}

// CompleteFeedback moves an arrival-confirmed exclusive to COMPLETE.
func (m *Machine) CompleteFeedback() error {
	var c change
	m.mu.Lock()
	if m.state != domain.StateExclusiveActive || !m.arrivalConfirmed {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("complete feedback in %s: %w", state, domain.ErrInvalidTransition)
	}
	m.arrivalConfirmed = false
	m.setStateLocked(&c, domain.StateComplete, "feedback submitted")
	m.mu.Unlock()
	m.publish(c)
	return nil
}

// DismissPreferences leaves COMPLETE for whatever the geofence indicates.
func (m *Machine) DismissPreferences() error {
	var c change
	m.mu.Lock()
	if m.state != domain.StateComplete {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("dismiss preferences in %s: %w", state, domain.ErrInvalidTransition)
	}
	next := domain.StatePreCharging
	if m.geo.InRadius {
		next = domain.StateChargingActive
	}
	m.setStateLocked(&c, next, "preferences dismissed")
	m.mu.Unlock()
	m.publish(c)
	return nil
}

// Tick advances the exclusive countdown. A locally expired exclusive is
// dropped and the driver returns to CHARGING_ACTIVE.
func (m *Machine) Tick() {
	now := m.now()
	var c change
	m.mu.Lock()
	if m.exclusive == nil {
		m.mu.Unlock()
		return
	}
	if !m.exclusive.Expired(now) {
		remaining := m.exclusive.Remaining(now)
		m.mu.Unlock()
		m.events.Publish(bus.KindCountdown, remaining)
		return
	}
	id := m.exclusive.ID
	m.exclusive = nil
	m.guard.tag = guardIdle
	m.epoch++
	c.exclusive = true
	if m.state == domain.StateExclusiveActive {
		m.setStateLocked(&c, domain.StateChargingActive, "exclusive expired")
	}
	m.mu.Unlock()

	m.logger.WithField("exclusive_id", id).Info("driver: exclusive expired")
	m.publish(c)
}

// RunCountdown ticks until ctx is cancelled.
func (m *Machine) RunCountdown(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = config.CountdownTick
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick()
		}
	}
}

func copyExclusive(e *domain.ExclusiveSession) *domain.ExclusiveSession {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}
