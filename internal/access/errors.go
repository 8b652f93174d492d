package access

import (
	"errors"
	"fmt"
)

// Error kinds. Every aborted request carries exactly one of these, reachable
// with errors.Is through *StageError.
var (
	ErrValidation             = errors.New("validation error")
	ErrInvalidEvent           = errors.New("invalid event")
	ErrUpstreamLookup         = errors.New("upstream lookup error")
	ErrFirewallMutation       = errors.New("firewall mutation error")
	ErrResourceExhausted      = errors.New("resource exhausted")
	ErrPowerTransitionTimeout = errors.New("power transition timeout")
	ErrPowerTransition        = errors.New("power transition error")
	ErrScheduling             = errors.New("scheduling error")
)

var kinds = []struct {
	err   error
	label string
}{
	{ErrValidation, "validation"},
	{ErrInvalidEvent, "invalid_event"},
	{ErrUpstreamLookup, "upstream_lookup"},
	{ErrFirewallMutation, "firewall_mutation"},
	{ErrResourceExhausted, "resource_exhausted"},
	{ErrPowerTransitionTimeout, "power_timeout"},
	{ErrPowerTransition, "power_transition"},
	{ErrScheduling, "scheduling"},
}

// StageError records where a request was aborted and why.
type StageError struct {
	Stage State
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func abort(stage State, kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// KindLabel returns a short metric label for the error kind of err.
func KindLabel(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return "unknown"
}
