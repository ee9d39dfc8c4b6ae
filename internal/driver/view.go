package driver

import (
	"github.com/jkaberg/nova-driver/internal/domain"
)

// View is what presentational collaborators read.
type View struct {
	State            domain.DriverState       `json:"state"`
	Exclusive        *domain.ExclusiveSession `json:"exclusive"`
	RemainingSeconds int                      `json:"remaining_seconds"`
	ArrivalConfirmed bool                     `json:"arrival_confirmed"`
	Activating       bool                     `json:"activating"`
	ActivationPhase  Phase                    `json:"activation_phase,omitempty"`
	ActivationError  string                   `json:"activation_error,omitempty"`
	InRadius         bool                     `json:"in_radius"`
	DistanceM        float64                  `json:"distance_m"`
	NearestCharger   string                   `json:"nearest_charger_id,omitempty"`
	Charging         domain.ChargingSession   `json:"charging"`
}

// View returns a consistent snapshot of the consistency group.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := View{
		State:            m.state,
		Exclusive:        copyExclusive(m.exclusive),
		RemainingSeconds: m.exclusive.Remaining(m.now()),
		ArrivalConfirmed: m.arrivalConfirmed,
		Activating:       m.attempt.InFlight(),
		ActivationPhase:  m.attempt.Phase,
		InRadius:         m.geo.InRadius,
		DistanceM:        m.geo.DistanceM,
		NearestCharger:   m.geo.NearestChargerID,
		Charging:         m.charging,
	}
	if m.attempt.Err != nil {
		v.ActivationError = domain.UserMessage(m.attempt.Err)
	}
	return v
}
