package domain

import (
	"strings"
	"time"
)

// Coordinates is a single device location fix.
type Coordinates struct {
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracy_m"`
	FixTimestamp   time.Time `json:"fix_timestamp"`
}

// Charger is a known charging location used by the geofence.
type Charger struct {
	ID   string  `json:"id"`
	Name string  `json:"name,omitempty"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// Merchant identifies the target of an exclusive activation.
type Merchant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DriverState is the top-level mode of the driver. Exactly one is live.
type DriverState string

const (
	StatePreCharging     DriverState = "PRE_CHARGING"
	StateChargingActive  DriverState = "CHARGING_ACTIVE"
	StateExclusiveActive DriverState = "EXCLUSIVE_ACTIVE"
	StateComplete        DriverState = "COMPLETE"
)

func (s DriverState) String() string { return string(s) }

// ChargingSession caches the last poll result of the backend charging session.
type ChargingSession struct {
	SessionID          string    `json:"session_id"`
	StartedAt          time.Time `json:"started_at"`
	DurationMinutes    int       `json:"duration_minutes"`
	KWhDelivered       float64   `json:"kwh_delivered"`
	IsActive           bool      `json:"is_active"`
	LastIncentiveCents int       `json:"last_incentive_cents,omitempty"`
}

// ExclusiveSession is a time-boxed offer claimed at one merchant.
type ExclusiveSession struct {
	ID              string    `json:"id"`
	MerchantID      string    `json:"merchant_id"`
	MerchantName    string    `json:"merchant_name"`
	ActivatedAt     time.Time `json:"activated_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	SourceSessionID string    `json:"source_session_id,omitempty"`
}

// MockIDPrefix marks exclusives synthesized locally in mock mode.
const MockIDPrefix = "mock-"

// Mock reports whether the session was synthesized locally and is unknown to
// the backend.
func (e *ExclusiveSession) Mock() bool {
	return e != nil && strings.HasPrefix(e.ID, MockIDPrefix)
}

// Remaining returns the whole seconds left until expiry, never negative.
func (e *ExclusiveSession) Remaining(now time.Time) int {
	if e == nil {
		return 0
	}
	left := e.ExpiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left.Round(time.Second) / time.Second)
}

// Expired reports whether the session has run out at now.
func (e *ExclusiveSession) Expired(now time.Time) bool {
	return e != nil && !now.Before(e.ExpiresAt)
}

// RedemptionTransaction is one user-initiated Nova redemption. It is never
// persisted; the backend ledger is the durable record.
type RedemptionTransaction struct {
	IdempotencyKey string `json:"idempotency_key"`
	MerchantID     string `json:"merchant_id"`
	NovaAmount     int    `json:"nova_amount"`
	TransactionID  string `json:"transaction_id,omitempty"`
	BalanceAfter   int    `json:"balance_after,omitempty"`
}

// Incentive is the ephemeral "reward earned" notification raised when a
// charging session ends with a reward.
type Incentive struct {
	SessionID string    `json:"session_id"`
	Cents     int       `json:"cents"`
	ShownAt   time.Time `json:"shown_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Label renders the amount the way the driver sees it, e.g. "+$2.50".
func (i Incentive) Label() string {
	return FormatCents(i.Cents)
}
