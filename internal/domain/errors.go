package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the driver core. Typed errors below unwrap to one of
// these so callers can match with errors.Is.
var (
	ErrLocationUnavailable = errors.New("location unavailable")
	ErrOutsideRadius       = errors.New("outside charger radius")
	ErrLowConfidence       = errors.New("location confidence too low")
	ErrAuthRequired        = errors.New("authentication required")
	ErrActivationConflict  = errors.New("activation rejected")
	ErrNetworkFailure      = errors.New("network failure")

	// ErrInvalidTransition is returned when a user action is not valid in the
	// current driver state.
	ErrInvalidTransition = errors.New("invalid transition")
)

// OutsideRadiusError carries the measured distance for user messaging.
type OutsideRadiusError struct {
	DistanceM float64
	ChargerID string
}

func (e *OutsideRadiusError) Error() string {
	return fmt.Sprintf("outside charger radius: %.0f m away", e.DistanceM)
}

func (e *OutsideRadiusError) Unwrap() error { return ErrOutsideRadius }

// LowConfidenceError names the tier that failed the gate.
type LowConfidenceError struct {
	Tier string
}

func (e *LowConfidenceError) Error() string {
	if e.Tier == "" {
		return "location confidence unknown"
	}
	return fmt.Sprintf("location confidence tier %q not accepted", e.Tier)
}

func (e *LowConfidenceError) Unwrap() error { return ErrLowConfidence }

// ActivationConflictError is a 403-class rejection; Message is the server's
// own text and is shown to the driver verbatim.
type ActivationConflictError struct {
	StatusCode int
	Message    string
}

func (e *ActivationConflictError) Error() string {
	return fmt.Sprintf("activation rejected (%d): %s", e.StatusCode, e.Message)
}

func (e *ActivationConflictError) Unwrap() error { return ErrActivationConflict }

// NetworkError wraps a transient transport or server failure.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNetworkFailure}
	}
	return []error{ErrNetworkFailure, e.Err}
}

const genericRetryMessage = "Something went wrong. Please try again."

// UserMessage renders err the way it is shown to the driver.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var outside *OutsideRadiusError
	var conflict *ActivationConflictError
	switch {
	case errors.As(err, &outside):
		return fmt.Sprintf("You're %.0f m from the charger. Move closer to activate this exclusive.", outside.DistanceM)
	case errors.As(err, &conflict):
		if conflict.Message != "" {
			return conflict.Message
		}
		return genericRetryMessage
	case errors.Is(err, ErrLocationUnavailable):
		return "We need your location to activate this exclusive."
	case errors.Is(err, ErrLowConfidence):
		return "We couldn't confirm you're at the charger. Try again in a moment."
	case errors.Is(err, ErrAuthRequired):
		return "Please sign in to continue."
	default:
		return genericRetryMessage
	}
}
