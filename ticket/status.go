package ticket

import (
	"errors"
	"fmt"
)

// Status is a ticket workflow state.
type Status string

const (
	StatusNew                Status = "new"
	StatusAcknowledged       Status = "acknowledged"
	StatusDiagnosing         Status = "diagnosing"
	StatusInProgress         Status = "in_progress"
	StatusAwaitingCustomer   Status = "awaiting_customer"
	StatusAwaitingDependency Status = "awaiting_dependency"
	StatusResolved           Status = "resolved"
	StatusClosed             Status = "closed"
	StatusReopened           Status = "reopened"
)

// transitions is the complete workflow table. A state missing from a row's
// allowed set cannot be reached from that state.
var transitions = map[Status][]Status{
	StatusNew:                {StatusAcknowledged},
	StatusAcknowledged:       {StatusDiagnosing, StatusInProgress},
	StatusDiagnosing:         {StatusInProgress, StatusAwaitingDependency, StatusAwaitingCustomer},
	StatusInProgress:         {StatusAwaitingCustomer, StatusAwaitingDependency, StatusResolved},
	StatusAwaitingCustomer:   {StatusInProgress, StatusResolved},
	StatusAwaitingDependency: {StatusInProgress, StatusResolved},
	StatusResolved:           {StatusClosed, StatusReopened},
	StatusClosed:             {StatusReopened},
	StatusReopened:           {StatusAcknowledged, StatusDiagnosing},
}

// Statuses returns every workflow state in table order.
func Statuses() []Status {
	return []Status{
		StatusNew, StatusAcknowledged, StatusDiagnosing, StatusInProgress,
		StatusAwaitingCustomer, StatusAwaitingDependency, StatusResolved,
		StatusClosed, StatusReopened,
	}
}

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether SLA clocks stop in this state.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// AllowedTransitions returns the states reachable from s in one step.
func AllowedTransitions(from Status) []Status {
	allowed := transitions[from]
	out := make([]Status, len(allowed))
	copy(out, allowed)
	return out
}

// CanTransition reports whether from -> to is in the workflow table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is matched by every *InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid ticket transition")

// InvalidTransitionError reports a refused transition. The ticket is left
// untouched.
type InvalidTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid ticket transition %s -> %s (allowed: %v)", e.From, e.To, e.Allowed)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
