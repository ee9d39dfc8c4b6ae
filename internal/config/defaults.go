package config

import "time"

// Central place for all application-wide timing constants and other defaults.
// Changing a value here immediately affects all components that import
// github.com/jkaberg/nova-driver/internal/config.

const (
	// Polling intervals
	SessionPollInterval   = 10 * time.Second // Charging session status
	ExclusivePollInterval = 15 * time.Second // Backend "active exclusive" record
	CountdownTick         = 1 * time.Second  // Exclusive expiry countdown
	LocationFetchInterval = 10 * time.Second // dumpsys location

	// Operation time-outs (to avoid blocking goroutines)
	MQTTTimeout     = 5 * time.Second
	LocationTimeout = 15 * time.Second

	// Geofence
	GeofenceRadiusM     = 150.0
	CoordinatePrecision = 4 // decimal places, ~11 m

	// Session poller
	StaleFailureThreshold  = 3               // consecutive failures before data is flagged stale
	IncentiveDisplayWindow = 5 * time.Second // "+$x.yy earned" lifetime

	// Exclusive
	ExclusiveCacheTTL     = 5 * time.Second
	MockExclusiveDuration = 60 * time.Minute

	// Snapshot
	SnapshotMaxAge = 24 * time.Hour
)

// HighConfidenceTiers is the allow-list for the activation confidence gate.
// Tiers not listed here fail closed.
var HighConfidenceTiers = []string{"A", "B"}
