package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/automation/tenant"
)

// Well-known event types emitted by the ticket workflow.
const (
	TypeTicketCreated       = "ticket.created"
	TypeTicketStatusChanged = "ticket.status_changed"
	TypeTicketAssigned      = "ticket.assigned"
	TypeTicketSLABreached   = "ticket.sla_breached"
	TypeTicketEscalated     = "ticket.escalated"
)

// Event is the immutable envelope every collaborator publishes.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	TenantID   tenant.ID      `json:"tenantId"`
	Payload    map[string]any `json:"payload"`
	Actor      string         `json:"actor,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// ValidationError reports a malformed event. Such events are rejected
// synchronously and never evaluated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// New builds an event with a fresh ID and the given timestamp.
func New(tenantID tenant.ID, eventType string, payload map[string]any, occurredAt time.Time) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		TenantID:   tenantID,
		Payload:    payload,
		OccurredAt: occurredAt,
	}
}

// Validate checks the required envelope fields.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if e.TenantID.IsZero() {
		return &ValidationError{Field: "tenantId", Reason: "is required"}
	}
	return nil
}

// WithActor returns a copy of e attributed to actor.
func (e Event) WithActor(actor string) Event {
	e.Actor = actor
	return e
}
