// Package state defines the billing lifecycle state machine for organizations.
//
// Every state change in the engine flows through this package. The jobs that
// move organizations between states (metering, LLM spend sync, the grace
// sweep, reconciliation, admin tooling) never encode transitions themselves;
// they name a trigger and let the transition table decide. This keeps the
// lifecycle graph in exactly one place:
//
//	unconfigured -> trial -> active <-> grace -> exhausted <-> active
//	active/grace/exhausted -> suspended (administrative)
//
// A trigger that has no edge from the current state returns
// ErrInvalidTransition. The one deliberate exception is TriggerExhaust on a
// suspended organization, which is a no-op rather than an error: exhaustion
// enforcement races with administrative suspension, and losing that race is
// not a fault.
package state

import "errors"

// State is an organization's billing lifecycle state.
type State string

const (
	Unconfigured State = "unconfigured"
	Trial        State = "trial"
	Active       State = "active"
	Grace        State = "grace"
	Exhausted    State = "exhausted"
	Suspended    State = "suspended"
)

// Trigger names a lifecycle event that may move an organization to a new state.
type Trigger string

const (
	// TriggerStartTrial moves a freshly-configured organization into its trial.
	TriggerStartTrial Trigger = "start_trial"
	// TriggerActivate moves an organization onto a paid plan.
	TriggerActivate Trigger = "activate"
	// TriggerEnterGrace starts the grace window when the balance crosses the
	// block threshold.
	TriggerEnterGrace Trigger = "enter_grace"
	// TriggerTopUp records a successful purchase and restores active service.
	TriggerTopUp Trigger = "top_up"
	// TriggerExhaust applies hard enforcement when the balance is gone and no
	// grace headroom remains.
	TriggerExhaust Trigger = "exhaust"
	// TriggerSuspend is the administrative kill switch.
	TriggerSuspend Trigger = "suspend"
)

// ErrInvalidTransition is returned when a trigger has no edge from the
// current state.
var ErrInvalidTransition = errors.New("invalid billing state transition")

type edge struct {
	from    State
	trigger Trigger
}

// transitions is the complete edge set. Anything absent is invalid.
var transitions = map[edge]State{
	{Unconfigured, TriggerStartTrial}: Trial,
	{Trial, TriggerActivate}:          Active,
	{Trial, TriggerExhaust}:           Exhausted,
	{Active, TriggerEnterGrace}:       Grace,
	{Active, TriggerExhaust}:          Exhausted,
	{Active, TriggerSuspend}:          Suspended,
	{Grace, TriggerTopUp}:             Active,
	{Grace, TriggerExhaust}:           Exhausted,
	{Grace, TriggerSuspend}:           Suspended,
	{Exhausted, TriggerTopUp}:         Active,
	{Exhausted, TriggerSuspend}:       Suspended,
}

// Next returns the state an organization moves to when trigger fires in the
// given state. ErrInvalidTransition is returned for edges not in the graph.
// TriggerExhaust on a suspended organization returns (Suspended, nil): the
// enforcement path treats it as an idempotent no-op.
func Next(current State, trigger Trigger) (State, error) {
	if current == Suspended && trigger == TriggerExhaust {
		return Suspended, nil
	}
	next, ok := transitions[edge{current, trigger}]
	if !ok {
		return current, ErrInvalidTransition
	}
	return next, nil
}

// CanTransition reports whether trigger has an edge from current.
func CanTransition(current State, trigger Trigger) bool {
	_, ok := transitions[edge{current, trigger}]
	return ok
}

// Valid reports whether s is one of the known lifecycle states.
func Valid(s State) bool {
	switch s {
	case Unconfigured, Trial, Active, Grace, Exhausted, Suspended:
		return true
	}
	return false
}

// Billable reports whether an organization in state s should be visited by
// the periodic billing jobs. Unconfigured organizations have nothing to
// meter; suspended organizations are administratively frozen.
func Billable(s State) bool {
	switch s {
	case Trial, Active, Grace, Exhausted:
		return true
	}
	return false
}
