package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jkaberg/nova-driver/internal/backend"
	"github.com/jkaberg/nova-driver/internal/bus"
	"github.com/jkaberg/nova-driver/internal/config"
	"github.com/jkaberg/nova-driver/internal/domain"
	"github.com/sirupsen/logrus"
)

// Phase is the step a single activation attempt has reached.
type Phase string

const (
	PhaseIdle            Phase = ""
	PhaseRequested       Phase = "REQUESTED"
	PhaseLocationCheck   Phase = "LOCATION_CHECK"
	PhaseAuthCheck       Phase = "AUTH_CHECK"
	PhaseConfidenceCheck Phase = "CONFIDENCE_CHECK"
	PhaseActivating      Phase = "ACTIVATING"
	PhaseSucceeded       Phase = "SUCCEEDED"
	PhaseFailed          Phase = "FAILED"
	// PhaseSuspended: waiting for the driver to sign in. The attempt is over;
	// it only resumes if the driver invokes Activate again.
	PhaseSuspended Phase = "SUSPENDED"
)

// Attempt describes the latest activation attempt.
type Attempt struct {
	MerchantID string `json:"merchant_id,omitempty"`
	Phase      Phase  `json:"phase,omitempty"`
	Err        error  `json:"-"`
}

// InFlight reports whether the attempt still awaits a result.
func (a Attempt) InFlight() bool {
	switch a.Phase {
	case PhaseIdle, PhaseSucceeded, PhaseFailed, PhaseSuspended:
		return false
	}
	return true
}

// ErrActivationInFlight is returned when another merchant's activation is
// still running.
var ErrActivationInFlight = errors.New("another activation is in flight")

const activateKey = "activate"

// Activate claims an exclusive at merchant. Concurrent calls share one
// in-flight attempt, so the backend activation endpoint is never called twice
// for the same click sequence.
func (m *Machine) Activate(ctx context.Context, merchant domain.Merchant) (*domain.ExclusiveSession, error) {
	m.mu.Lock()
	if m.attempt.InFlight() && m.attempt.MerchantID != merchant.ID {
		m.mu.Unlock()
		return nil, ErrActivationInFlight
	}
	m.mu.Unlock()

	v, err, shared := m.flight.Do(activateKey, func() (any, error) {
		return m.activate(ctx, merchant)
	})
	if shared {
		m.logger.WithField("merchant_id", merchant.ID).Debug("driver: joined in-flight activation")
	}
	if err != nil {
		return nil, err
	}
	session := v.(*domain.ExclusiveSession)
	if session.MerchantID != merchant.ID {
		return nil, ErrActivationInFlight
	}
	return copyExclusive(session), nil
}

func (m *Machine) activate(ctx context.Context, merchant domain.Merchant) (*domain.ExclusiveSession, error) {
	m.mu.Lock()
	if m.state != domain.StatePreCharging && m.state != domain.StateChargingActive {
		state := m.state
		m.mu.Unlock()
		return nil, fmt.Errorf("activate in %s: %w", state, domain.ErrInvalidTransition)
	}
	m.attempt = Attempt{MerchantID: merchant.ID, Phase: PhaseRequested}
	var coords *domain.Coordinates
	if m.coords != nil {
		fix := *m.coords
		coords = &fix
	}
	tier, intentID := m.tier, m.intentID
	m.mu.Unlock()

	log := m.logger.WithField("merchant_id", merchant.ID)

	if coords == nil {
		return nil, m.fail(log, PhaseFailed, domain.ErrLocationUnavailable)
	}

	m.setPhase(PhaseLocationCheck)
	check, err := m.api.CheckLocation(ctx, coords.Lat, coords.Lng)
	if err != nil {
		return nil, m.fail(log, PhaseFailed, asUserFacing("checkLocation", err))
	}
	if !check.InChargerRadius {
		return nil, m.fail(log, PhaseFailed, &domain.OutsideRadiusError{
			DistanceM: check.DistanceM,
			ChargerID: check.NearestChargerID,
		})
	}

	m.setPhase(PhaseAuthCheck)
	if !m.api.HasToken() {
		return nil, m.fail(log, PhaseSuspended, domain.ErrAuthRequired)
	}

	if !m.mock {
		m.setPhase(PhaseConfidenceCheck)
		if _, ok := m.tiers[tier]; !ok {
			return nil, m.fail(log, PhaseFailed, &domain.LowConfidenceError{Tier: tier})
		}
	}

	m.setPhase(PhaseActivating)
	var session *domain.ExclusiveSession
	if m.mock {
		now := m.now()
		session = &domain.ExclusiveSession{
			ID:          domain.MockIDPrefix + uuid.NewString(),
			ActivatedAt: now,
			ExpiresAt:   now.Add(config.MockExclusiveDuration),
		}
	} else {
		resp, err := m.api.ActivateExclusive(ctx, backend.ActivateRequest{
			MerchantID:      merchant.ID,
			ChargerID:       check.NearestChargerID,
			Lat:             coords.Lat,
			Lng:             coords.Lng,
			AccuracyM:       coords.AccuracyMeters,
			IntentSessionID: intentID,
		})
		if err != nil {
			phase := PhaseFailed
			if errors.Is(err, domain.ErrAuthRequired) {
				phase = PhaseSuspended
			}
			return nil, m.fail(log, phase, asUserFacing("activateExclusive", err))
		}
		session = resp.ExclusiveSession.ToDomain(m.now())
	}
	session.MerchantID = merchant.ID
	session.MerchantName = merchant.Name

	var c change
	m.mu.Lock()
	// A poll may have adopted a backend session while the request was in
	// flight. The backend just granted this one, so it supersedes.
	var replacedID string
	if m.exclusive != nil && m.exclusive.ID != session.ID {
		replacedID = m.exclusive.ID
	}
	m.exclusive = session
	m.guard.localActivated()
	m.epoch++
	m.arrivalConfirmed = false
	m.attempt = Attempt{MerchantID: merchant.ID, Phase: PhaseSucceeded}
	c.exclusive = true
	m.setStateLocked(&c, domain.StateExclusiveActive, "exclusive activated")
	remaining := session.Remaining(m.now())
	m.mu.Unlock()

	if replacedID != "" {
		log.WithFields(logrus.Fields{
			"exclusive_id": session.ID,
			"replaced_id":  replacedID,
		}).Warn("driver: activation replaced an exclusive adopted while in flight")
	}
	log.WithFields(logrus.Fields{
		"exclusive_id":      session.ID,
		"remaining_seconds": remaining,
		"mock":              m.mock,
	}).Info("driver: exclusive activated")
	m.publish(c)
	m.events.Publish(bus.KindCountdown, remaining)
	return copyExclusive(session), nil
}

func (m *Machine) setPhase(p Phase) {
	m.mu.Lock()
	m.attempt.Phase = p
	m.mu.Unlock()
}

// fail ends the attempt. The driver state is untouched: nothing was changed
// optimistically, so there is nothing to roll back.
func (m *Machine) fail(log *logrus.Entry, phase Phase, err error) error {
	m.mu.Lock()
	m.attempt.Phase = phase
	m.attempt.Err = err
	m.mu.Unlock()
	log.WithError(err).WithField("phase", phase).Warn("driver: activation failed")
	return err
}

// asUserFacing keeps taxonomy errors as they are and folds anything else
// (context cancellation, unexpected errors) into a transient NetworkError.
func asUserFacing(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrAuthRequired),
		errors.Is(err, domain.ErrActivationConflict),
		errors.Is(err, domain.ErrNetworkFailure):
		return err
	default:
		return &domain.NetworkError{Op: op, Err: err}
	}
}

// LastAttempt returns the latest activation attempt.
func (m *Machine) LastAttempt() Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}
