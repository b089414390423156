package ticket

import (
	"errors"
	"testing"
	"time"

	"github.com/liamcoop/automation/tenant"
)

func newTicket(status Status) *Ticket {
	return &Ticket{ID: "t-1", TenantID: tenant.MustNew("acme"), Status: status}
}

func TestTransitionNewToResolvedIsRejected(t *testing.T) {
	tk := newTicket(StatusNew)
	before := *tk

	_, err := Transition(tk, StatusResolved, "u1", time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Transition(new -> resolved) error = %v, want ErrInvalidTransition", err)
	}
	if tk.Status != before.Status || tk.ResolvedAt != nil || !tk.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("ticket mutated on refused transition: %+v", tk)
	}
}

func TestTransitionNewToAcknowledged(t *testing.T) {
	tk := newTicket(StatusNew)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	log, err := Transition(tk, StatusAcknowledged, "u1", now)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if tk.Status != StatusAcknowledged {
		t.Errorf("Status = %s, want acknowledged", tk.Status)
	}
	if tk.AcknowledgedAt == nil || !tk.AcknowledgedAt.Equal(now) {
		t.Errorf("AcknowledgedAt = %v, want %v", tk.AcknowledgedAt, now)
	}
	if tk.FirstResponseAt == nil || !tk.FirstResponseAt.Equal(now) {
		t.Errorf("FirstResponseAt = %v, want %v", tk.FirstResponseAt, now)
	}
	if log.From != "new" || log.To != "acknowledged" || log.Actor != "u1" || !log.At.Equal(now) {
		t.Errorf("activity = %+v", log)
	}
	if log.Kind != ActivityStatusChange || log.TicketID != "t-1" {
		t.Errorf("activity kind/ticket = %s/%s", log.Kind, log.TicketID)
	}
}

func TestFirstResponseIsOnlyStampedOnce(t *testing.T) {
	tk := newTicket(StatusNew)
	first := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	steps := []Status{StatusAcknowledged, StatusInProgress, StatusResolved, StatusReopened, StatusAcknowledged}
	for i, to := range steps {
		if _, err := Transition(tk, to, "u1", first.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("step %d (%s) failed: %v", i, to, err)
		}
	}

	if !tk.FirstResponseAt.Equal(first) {
		t.Errorf("FirstResponseAt = %v, want %v", tk.FirstResponseAt, first)
	}
	if !tk.AcknowledgedAt.Equal(first.Add(4 * time.Hour)) {
		t.Errorf("AcknowledgedAt should track the latest entry, got %v", tk.AcknowledgedAt)
	}
}

func TestAddTags(t *testing.T) {
	tk := newTicket(StatusNew)
	now := time.Now()

	log, ok := AddTags(tk, []string{" Network ", "vip", ""}, "u1", now)
	if !ok {
		t.Fatal("expected tags to be added")
	}
	if len(tk.Tags) != 2 || tk.Tags[0] != "network" || tk.Tags[1] != "vip" {
		t.Errorf("Tags = %v, want [network vip]", tk.Tags)
	}
	if log.Kind != ActivityTags {
		t.Errorf("activity kind = %s, want tags", log.Kind)
	}

	if _, ok := AddTags(tk, []string{"VIP"}, "u1", now); ok {
		t.Error("adding an existing tag should be a no-op")
	}
}

func TestEscalateToLevelIsIdempotent(t *testing.T) {
	tk := newTicket(StatusInProgress)
	now := time.Now()

	if _, ok := Escalate(tk, 1, "sla", "system", now); !ok {
		t.Fatal("first escalation should apply")
	}
	if _, ok := Escalate(tk, 1, "sla", "system", now); ok {
		t.Error("repeated escalation to the same level should be a no-op")
	}
	if tk.EscalationLevel != 1 {
		t.Errorf("EscalationLevel = %d, want 1", tk.EscalationLevel)
	}

	Escalate(tk, 0, "manual", "u1", now)
	if tk.EscalationLevel != 2 {
		t.Errorf("EscalationLevel after increment = %d, want 2", tk.EscalationLevel)
	}
}

func TestAssign(t *testing.T) {
	tk := newTicket(StatusNew)
	now := time.Now()

	log, ok := Assign(tk, "eng-a", "eng-b", "u1", now)
	if !ok {
		t.Fatal("expected assignment")
	}
	if tk.AssignedEngineerID != "eng-a" || tk.BackupEngineerID != "eng-b" {
		t.Errorf("assignment = %s/%s", tk.AssignedEngineerID, tk.BackupEngineerID)
	}
	if log.To != "eng-a" || log.From != "" {
		t.Errorf("activity = %+v", log)
	}
	if _, ok := Assign(tk, "eng-a", "eng-b", "u1", now); ok {
		t.Error("same assignment should be a no-op")
	}
}

func TestCloneIsDeep(t *testing.T) {
	due := time.Now()
	tk := &Ticket{Tags: []string{"a"}, ResolutionDueAt: &due}
	c := tk.Clone()

	c.Tags[0] = "b"
	*c.ResolutionDueAt = due.Add(time.Hour)

	if tk.Tags[0] != "a" {
		t.Error("Clone shares the tags slice")
	}
	if !tk.ResolutionDueAt.Equal(due) {
		t.Error("Clone shares timestamp pointers")
	}
}
