package ticket

import (
	"errors"
	"testing"
	"time"

	"github.com/liamcoop/automation/tenant"
)

func TestTransitionTableIsExhaustive(t *testing.T) {
	allowed := map[string][]string{
		"new":                 {"acknowledged"},
		"acknowledged":        {"diagnosing", "in_progress"},
		"diagnosing":          {"in_progress", "awaiting_dependency", "awaiting_customer"},
		"in_progress":         {"awaiting_customer", "awaiting_dependency", "resolved"},
		"awaiting_customer":   {"in_progress", "resolved"},
		"awaiting_dependency": {"in_progress", "resolved"},
		"resolved":            {"closed", "reopened"},
		"closed":              {"reopened"},
		"reopened":            {"acknowledged", "diagnosing"},
	}

	if len(Statuses()) != len(allowed) {
		t.Fatalf("Statuses() has %d states, want %d", len(Statuses()), len(allowed))
	}

	for _, from := range Statuses() {
		want := make(map[string]bool)
		for _, to := range allowed[string(from)] {
			want[to] = true
		}
		for _, to := range Statuses() {
			if got := CanTransition(from, to); got != want[string(to)] {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want[string(to)])
			}
		}
	}
}

func TestEveryTransitionStampsItsTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, from := range Statuses() {
		for _, to := range AllowedTransitions(from) {
			tk := &Ticket{ID: "t-1", TenantID: tenant.MustNew("acme"), Status: from}
			if _, err := Transition(tk, to, "u1", now); err != nil {
				t.Fatalf("Transition(%s -> %s) failed: %v", from, to, err)
			}
			stamp := tk.statusStamp(to)
			if stamp == nil || *stamp == nil || !(*stamp).Equal(now) {
				t.Errorf("%s -> %s did not stamp the %s timestamp", from, to, to)
			}
		}
	}
}

func TestInvalidTransitionErrorMatchesSentinel(t *testing.T) {
	tk := &Ticket{Status: StatusClosed}
	_, err := Transition(tk, StatusInProgress, "u1", time.Now())

	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("error = %v, want *InvalidTransitionError", err)
	}
	if ite.From != StatusClosed || ite.To != StatusInProgress {
		t.Errorf("error = %+v, want closed -> in_progress", ite)
	}
	if len(ite.Allowed) != 1 || ite.Allowed[0] != StatusReopened {
		t.Errorf("Allowed = %v, want [reopened]", ite.Allowed)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range Statuses() {
		want := s == StatusResolved || s == StatusClosed
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
	if Status("archived").Valid() {
		t.Error("unknown status should not be valid")
	}
}
