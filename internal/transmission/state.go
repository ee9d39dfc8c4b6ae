package transmission

import (
	"time"

	"github.com/jkaberg/nova-driver/internal/domain"
	"github.com/jkaberg/nova-driver/internal/driver"
	"github.com/jkaberg/nova-driver/internal/poller"
)

// State is the flattened driver view published on the state topic. Field
// names double as Home Assistant value_json keys.
type State struct {
	DriverState      string     `json:"driver_state"`
	Browse           bool       `json:"browse"`
	ExclusiveID      string     `json:"exclusive_id,omitempty"`
	MerchantID       string     `json:"merchant_id,omitempty"`
	MerchantName     string     `json:"merchant_name,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RemainingSeconds int        `json:"remaining_seconds"`
	ArrivalConfirmed bool       `json:"arrival_confirmed"`
	Activating       bool       `json:"activating"`
	ActivationPhase  string     `json:"activation_phase,omitempty"`
	ActivationError  string     `json:"activation_error,omitempty"`
	InRadius         bool       `json:"in_radius"`
	DistanceM        float64    `json:"distance_m"`
	NearestCharger   string     `json:"nearest_charger_id,omitempty"`
	Charging         bool       `json:"charging"`
	SessionID        string     `json:"session_id,omitempty"`
	DurationMinutes  int        `json:"duration_minutes"`
	KWhDelivered     float64    `json:"kwh_delivered"`
	Stale            bool       `json:"stale"`
	PollFailures     int        `json:"poll_failures"`
	Incentive        string     `json:"incentive,omitempty"`
}

// BuildState merges the machine view with the session poller's cache.
func BuildState(v driver.View, st poller.Status, inc *domain.Incentive, browse bool) *State {
	s := &State{
		DriverState:      v.State.String(),
		Browse:           browse,
		RemainingSeconds: v.RemainingSeconds,
		ArrivalConfirmed: v.ArrivalConfirmed,
		Activating:       v.Activating,
		ActivationPhase:  string(v.ActivationPhase),
		ActivationError:  v.ActivationError,
		InRadius:         v.InRadius,
		DistanceM:        v.DistanceM,
		NearestCharger:   v.NearestCharger,
		Charging:         st.IsActive,
		SessionID:        st.SessionID,
		DurationMinutes:  st.DurationMinutes,
		KWhDelivered:     st.KWhDelivered,
		Stale:            st.Stale,
		PollFailures:     st.ConsecutiveFailures,
	}
	if ex := v.Exclusive; ex != nil {
		s.ExclusiveID = ex.ID
		s.MerchantID = ex.MerchantID
		s.MerchantName = ex.MerchantName
		expires := ex.ExpiresAt
		s.ExpiresAt = &expires
	}
	if inc != nil {
		s.Incentive = inc.Label()
	}
	return s
}
