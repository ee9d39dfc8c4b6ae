package driver

import (
	"context"

	"github.com/jkaberg/nova-driver/internal/backend"
	"github.com/jkaberg/nova-driver/internal/domain"
	"github.com/sirupsen/logrus"
)

// PollTicket marks when a backend poll was initiated relative to local writes.
type PollTicket struct {
	epoch uint64
}

// BeginPoll must be taken before the network read whose result is later
// passed to Reconcile.
func (m *Machine) BeginPoll() PollTicket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PollTicket{epoch: m.epoch}
}

// Reconcile merges the backend's active-exclusive record into local state.
// The guard is consulted here, at resolution time, so a cancel that happened
// while the poll was in flight always wins.
func (m *Machine) Reconcile(ticket PollTicket, resp *backend.ActiveExclusiveResponse) {
	var remote *backend.ExclusivePayload
	if resp != nil {
		remote = resp.ExclusiveSession
	}
	now := m.now()

	var c change
	m.mu.Lock()
	stale := ticket.epoch != m.epoch
	log := m.logger.WithFields(logrus.Fields{
		"guard": m.guard.tag.String(),
		"stale": stale,
	})

	if remote == nil {
		prev := m.guard.tag
		m.guard.backendReportedNone()
		if m.exclusive != nil {
			if stale {
				// Initiated before the local activation; cannot speak for it.
				m.guard.tag = prev
				m.mu.Unlock()
				log.Debug("driver: ignoring stale empty exclusive poll")
				return
			}
			if m.exclusive.Mock() {
				// Synthesized locally; the backend never knew about it.
				m.guard.tag = prev
				m.mu.Unlock()
				return
			}
			id := m.exclusive.ID
			m.exclusive = nil
			m.epoch++
			c.exclusive = true
			if m.state == domain.StateExclusiveActive {
				m.setStateLocked(&c, domain.StatePreCharging, "exclusive expired on server")
			}
			log = log.WithField("exclusive_id", id)
		}
		m.mu.Unlock()
		if c.exclusive {
			log.Info("driver: backend reports no exclusive, local copy dropped")
		}
		m.publish(c)
		return
	}

	log = log.WithField("exclusive_id", remote.ID)
	switch {
	case m.exclusive != nil && m.exclusive.Mock():
		m.mu.Unlock()
		log.Debug("driver: local mock exclusive active, ignoring backend record")
		return

	case m.guard.suppresses(remote.ID):
		m.mu.Unlock()
		log.Debug("driver: backend exclusive suppressed after manual clear")
		return

	case m.exclusive != nil && m.exclusive.ID == remote.ID:
		m.guard.tag = guardConfirmed
		if !remote.ExpiresAt.IsZero() && !remote.ExpiresAt.Equal(m.exclusive.ExpiresAt) {
			m.exclusive.ExpiresAt = remote.ExpiresAt
			c.exclusive = true
		}
		m.mu.Unlock()
		m.publish(c)
		return

	case stale:
		m.mu.Unlock()
		log.Debug("driver: ignoring stale exclusive poll")
		return

	case !remote.ExpiresAt.IsZero() && !now.Before(remote.ExpiresAt):
		m.mu.Unlock()
		log.Debug("driver: backend exclusive already expired, not adopting")
		return

	case m.state == domain.StateComplete || m.arrivalConfirmed:
		m.mu.Unlock()
		log.Debug("driver: completion flow active, not adopting backend exclusive")
		return
	}

	adopted := remote.ToDomain(now)
	replaced := m.exclusive != nil
	m.exclusive = adopted
	m.guard.tag = guardConfirmed
	m.epoch++
	c.exclusive = true
	m.setStateLocked(&c, domain.StateExclusiveActive, "exclusive resumed from backend")
	m.mu.Unlock()

	if replaced {
		log.Warn("driver: backend reports a different exclusive, adopting it")
	} else {
		log.Info("driver: adopted backend exclusive")
	}
	m.publish(c)
}

// PollExclusive performs one reconcile round trip. Failures are logged and
// left for the next tick.
func (m *Machine) PollExclusive(ctx context.Context) {
	ticket := m.BeginPoll()
	resp, err := m.api.GetActiveExclusive(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("driver: active exclusive poll failed")
		return
	}
	m.Reconcile(ticket, resp)
}
