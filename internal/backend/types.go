package backend

import (
	"time"

	"github.com/jkaberg/nova-driver/internal/domain"
)

// LocationCheck is the proximity verdict computed by the backend.
type LocationCheck struct {
	InChargerRadius  bool    `json:"in_charger_radius"`
	DistanceM        float64 `json:"distance_m"`
	NearestChargerID string  `json:"nearest_charger_id"`
}

// ActivateRequest claims an exclusive at a merchant.
type ActivateRequest struct {
	MerchantID      string  `json:"merchant_id"`
	ChargerID       string  `json:"charger_id"`
	Lat             float64 `json:"lat"`
	Lng             float64 `json:"lng"`
	AccuracyM       float64 `json:"accuracy_m"`
	IntentSessionID string  `json:"intent_session_id,omitempty"`
}

// ExclusivePayload is the backend's representation of an exclusive session.
type ExclusivePayload struct {
	ID           string     `json:"id"`
	MerchantID   string     `json:"merchant_id,omitempty"`
	MerchantName string     `json:"merchant_name,omitempty"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
	SessionID    string     `json:"charging_session_id,omitempty"`
}

// ToDomain converts the payload, filling activatedAt when the backend omits it.
func (p *ExclusivePayload) ToDomain(fallbackActivatedAt time.Time) *domain.ExclusiveSession {
	if p == nil {
		return nil
	}
	activated := fallbackActivatedAt
	if p.ActivatedAt != nil {
		activated = *p.ActivatedAt
	}
	return &domain.ExclusiveSession{
		ID:              p.ID,
		MerchantID:      p.MerchantID,
		MerchantName:    p.MerchantName,
		ActivatedAt:     activated,
		ExpiresAt:       p.ExpiresAt,
		SourceSessionID: p.SessionID,
	}
}

// ActivateResponse wraps the newly created exclusive.
type ActivateResponse struct {
	ExclusiveSession ExclusivePayload `json:"exclusive_session"`
}

// CompleteRequest marks an exclusive as completed (arrival confirmed).
type CompleteRequest struct {
	ExclusiveSessionID string `json:"exclusive_session_id"`
}

// ActiveExclusiveResponse is the polled "what exclusive is active" record.
// A nil ExclusiveSession means the backend holds none.
type ActiveExclusiveResponse struct {
	ExclusiveSession *ExclusivePayload `json:"exclusive_session"`
}

// ChargingStatus is the authoritative charging session record.
type ChargingStatus struct {
	IsActive           bool       `json:"isActive"`
	SessionID          string     `json:"sessionId,omitempty"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	DurationMinutes    int        `json:"durationMinutes"`
	KWhDelivered       float64    `json:"kwhDelivered"`
	LastIncentiveCents *int       `json:"lastIncentiveCents,omitempty"`
}

// RedeemRequest spends Nova at a merchant.
type RedeemRequest struct {
	MerchantID string `json:"merchantId"`
	Amount     int    `json:"amount"`
}

// RedeemResponse is the ledger result of a redemption.
type RedeemResponse struct {
	TransactionID string `json:"transactionId"`
	BalanceAfter  int    `json:"balanceAfter"`
}

type errorBody struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (b errorBody) text() string {
	switch {
	case b.Detail != "":
		return b.Detail
	case b.Message != "":
		return b.Message
	default:
		return b.Error
	}
}
