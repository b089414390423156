package ticket

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/automation/tenant"
)

// ErrTicketNotFound is returned when a ticket does not exist for the tenant.
var ErrTicketNotFound = errors.New("ticket not found")

// Ticket is an IT support ticket. Status and the per-status timestamps only
// change through Transition; assignment, tags, escalation and breach flags
// only change through the setters in this file, each of which returns an
// ActivityLog entry.
type Ticket struct {
	ID                 string    `json:"id"`
	TenantID           tenant.ID `json:"tenantId"`
	Number             string    `json:"number"`
	Title              string    `json:"title"`
	Description        string    `json:"description,omitempty"`
	Status             Status    `json:"status"`
	Priority           string    `json:"priority"`
	ImpactLevel        string    `json:"impactLevel,omitempty"`
	Region             string    `json:"region,omitempty"`
	RequiredSkills     []string  `json:"requiredSkills,omitempty"`
	SLAPolicyID        string    `json:"slaPolicyId,omitempty"`
	AssignedEngineerID string    `json:"assignedEngineerId,omitempty"`
	BackupEngineerID   string    `json:"backupEngineerId,omitempty"`
	EscalationLevel    int       `json:"escalationLevel"`
	Tags               []string  `json:"tags,omitempty"`

	ResponseDueAt   *time.Time `json:"responseDueAt,omitempty"`
	ResolutionDueAt *time.Time `json:"resolutionDueAt,omitempty"`
	FirstResponseAt *time.Time `json:"firstResponseAt,omitempty"`
	SLABreachedAt   *time.Time `json:"slaBreachedAt,omitempty"`

	AcknowledgedAt       *time.Time `json:"acknowledgedAt,omitempty"`
	DiagnosingAt         *time.Time `json:"diagnosingAt,omitempty"`
	InProgressAt         *time.Time `json:"inProgressAt,omitempty"`
	AwaitingCustomerAt   *time.Time `json:"awaitingCustomerAt,omitempty"`
	AwaitingDependencyAt *time.Time `json:"awaitingDependencyAt,omitempty"`
	ResolvedAt           *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt             *time.Time `json:"closedAt,omitempty"`
	ReopenedAt           *time.Time `json:"reopenedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ActivityKind classifies ticket activity entries.
type ActivityKind string

const (
	ActivityCreated      ActivityKind = "created"
	ActivityStatusChange ActivityKind = "status_change"
	ActivityAssignment   ActivityKind = "assignment"
	ActivityTags         ActivityKind = "tags"
	ActivityEscalation   ActivityKind = "escalation"
	ActivitySLABreach    ActivityKind = "sla_breach"
)

// ActivityLog is an append-only record of one ticket mutation.
type ActivityLog struct {
	ID       string         `json:"id"`
	TicketID string         `json:"ticketId"`
	TenantID tenant.ID      `json:"tenantId"`
	Kind     ActivityKind   `json:"kind"`
	From     string         `json:"from,omitempty"`
	To       string         `json:"to,omitempty"`
	Actor    string         `json:"actor,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
	At       time.Time      `json:"at"`
}

func newActivity(t *Ticket, kind ActivityKind, actor string, now time.Time) ActivityLog {
	return ActivityLog{
		ID:       uuid.New().String(),
		TicketID: t.ID,
		TenantID: t.TenantID,
		Kind:     kind,
		Actor:    actor,
		At:       now,
	}
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.RequiredSkills = append([]string(nil), t.RequiredSkills...)
	c.Tags = append([]string(nil), t.Tags...)
	for _, p := range []**time.Time{
		&c.ResponseDueAt, &c.ResolutionDueAt, &c.FirstResponseAt, &c.SLABreachedAt,
		&c.AcknowledgedAt, &c.DiagnosingAt, &c.InProgressAt, &c.AwaitingCustomerAt,
		&c.AwaitingDependencyAt, &c.ResolvedAt, &c.ClosedAt, &c.ReopenedAt,
	} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return &c
}

func (t *Ticket) statusStamp(s Status) **time.Time {
	switch s {
	case StatusAcknowledged:
		return &t.AcknowledgedAt
	case StatusDiagnosing:
		return &t.DiagnosingAt
	case StatusInProgress:
		return &t.InProgressAt
	case StatusAwaitingCustomer:
		return &t.AwaitingCustomerAt
	case StatusAwaitingDependency:
		return &t.AwaitingDependencyAt
	case StatusResolved:
		return &t.ResolvedAt
	case StatusClosed:
		return &t.ClosedAt
	case StatusReopened:
		return &t.ReopenedAt
	}
	return nil
}

// Transition moves t to the given status. An unlisted transition returns
// *InvalidTransitionError and leaves t unchanged. Entering acknowledged
// also stamps FirstResponseAt when it is unset.
func Transition(t *Ticket, to Status, actor string, now time.Time) (ActivityLog, error) {
	from := t.Status
	if !CanTransition(from, to) {
		return ActivityLog{}, &InvalidTransitionError{From: from, To: to, Allowed: AllowedTransitions(from)}
	}

	stamp := now
	if p := t.statusStamp(to); p != nil {
		*p = &stamp
	}
	if to == StatusAcknowledged && t.FirstResponseAt == nil {
		first := now
		t.FirstResponseAt = &first
	}
	t.Status = to
	t.UpdatedAt = now

	log := newActivity(t, ActivityStatusChange, actor, now)
	log.From = string(from)
	log.To = string(to)
	return log, nil
}

// Assign sets the primary and backup engineers. It reports false when
// nothing changed.
func Assign(t *Ticket, primary, backup, actor string, now time.Time) (ActivityLog, bool) {
	if t.AssignedEngineerID == primary && t.BackupEngineerID == backup {
		return ActivityLog{}, false
	}
	log := newActivity(t, ActivityAssignment, actor, now)
	log.From = t.AssignedEngineerID
	log.To = primary
	log.Detail = map[string]any{
		"previousBackup": t.BackupEngineerID,
		"backup":         backup,
	}
	t.AssignedEngineerID = primary
	t.BackupEngineerID = backup
	t.UpdatedAt = now
	return log, true
}

// AddTags merges tags into the ticket's tag set. Tags are trimmed,
// lower-cased and kept sorted. It reports false when nothing was added.
func AddTags(t *Ticket, tags []string, actor string, now time.Time) (ActivityLog, bool) {
	set := make(map[string]struct{}, len(t.Tags))
	for _, tag := range t.Tags {
		set[tag] = struct{}{}
	}
	var added []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := set[tag]; ok {
			continue
		}
		set[tag] = struct{}{}
		added = append(added, tag)
	}
	if len(added) == 0 {
		return ActivityLog{}, false
	}

	merged := make([]string, 0, len(set))
	for tag := range set {
		merged = append(merged, tag)
	}
	sort.Strings(merged)
	t.Tags = merged
	t.UpdatedAt = now

	log := newActivity(t, ActivityTags, actor, now)
	log.Detail = map[string]any{"added": added}
	return log, true
}

// Escalate raises the escalation level. With toLevel > 0 the call is a
// no-op once the ticket is already at or above that level, so a retried
// escalation does not climb twice. With toLevel <= 0 the level is
// incremented by one.
func Escalate(t *Ticket, toLevel int, reason, actor string, now time.Time) (ActivityLog, bool) {
	target := t.EscalationLevel + 1
	if toLevel > 0 {
		if t.EscalationLevel >= toLevel {
			return ActivityLog{}, false
		}
		target = toLevel
	}
	log := newActivity(t, ActivityEscalation, actor, now)
	log.Detail = map[string]any{
		"fromLevel": t.EscalationLevel,
		"toLevel":   target,
		"reason":    reason,
	}
	t.EscalationLevel = target
	t.UpdatedAt = now
	return log, true
}

// MarkBreached flags an SLA breach once. It reports false when the ticket
// is not breached or was already flagged.
func MarkBreached(t *Ticket, now time.Time) (ActivityLog, bool) {
	if t.SLABreachedAt != nil || !DetectBreach(t, now) {
		return ActivityLog{}, false
	}
	at := now
	t.SLABreachedAt = &at
	t.UpdatedAt = now

	log := newActivity(t, ActivitySLABreach, "system", now)
	log.Detail = map[string]any{"resolutionDueAt": t.ResolutionDueAt.UTC().Format(time.RFC3339)}
	return log, true
}
