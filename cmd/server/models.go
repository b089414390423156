package main

import (
	"time"

	"github.com/liamcoop/automation/action"
	"github.com/liamcoop/automation/audit"
	"github.com/liamcoop/automation/condition"
	"github.com/liamcoop/automation/queue"
	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/ticket"
)

// PublishEventRequest is the body of POST /events.
type PublishEventRequest struct {
	TenantID   string         `json:"tenantId"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	Actor      string         `json:"actor,omitempty"`
	OccurredAt *time.Time     `json:"occurredAt,omitempty"`
}

// PublishEventResponse acknowledges an accepted event.
type PublishEventResponse struct {
	EventID string `json:"eventId"`
}

// CreateRuleRequest is the body of POST /tenants/{tenantId}/rules.
type CreateRuleRequest struct {
	ID             string              `json:"id,omitempty"`
	Name           string              `json:"name"`
	EventType      string              `json:"eventType"`
	Condition      condition.Condition `json:"condition"`
	Actions        []action.Template   `json:"actions"`
	Enabled        *bool               `json:"enabled,omitempty"`
	SimulationOnly bool                `json:"simulationOnly,omitempty"`
}

func (r CreateRuleRequest) rule() *rules.Rule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &rules.Rule{
		ID:             r.ID,
		Name:           r.Name,
		EventType:      r.EventType,
		Condition:      r.Condition,
		Actions:        r.Actions,
		Enabled:        enabled,
		SimulationOnly: r.SimulationOnly,
	}
}

// RulesListResponse lists a tenant's rules in definition order.
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// SimulateRequest is the body of POST .../rules/{ruleId}/simulate.
type SimulateRequest struct {
	Payload map[string]any `json:"payload"`
	Actor   string         `json:"actor,omitempty"`
}

// AuditListResponse lists audit records, newest first.
type AuditListResponse struct {
	Records []audit.Record `json:"records"`
}

// PendingActionsResponse lists queued actions awaiting execution.
type PendingActionsResponse struct {
	Entries []queue.Entry `json:"entries"`
}

// TicketResponse is a ticket with its activity trail.
type TicketResponse struct {
	Ticket   *ticket.Ticket       `json:"ticket"`
	Activity []ticket.ActivityLog `json:"activity,omitempty"`
}

// TransitionRequest is the body of POST .../tickets/{ticketId}/transition.
type TransitionRequest struct {
	To    ticket.Status `json:"to"`
	Actor string        `json:"actor,omitempty"`
}

// TransitionResponse returns the updated ticket and the activity entry.
type TransitionResponse struct {
	Ticket   *ticket.Ticket     `json:"ticket"`
	Activity ticket.ActivityLog `json:"activity"`
}

// AssignmentRequest is the body of POST .../tickets/{ticketId}/assignment.
type AssignmentRequest struct {
	Actor string `json:"actor,omitempty"`
}

// BreachCheckResponse lists tickets newly flagged by a sweep.
type BreachCheckResponse struct {
	Breached []*ticket.Ticket `json:"breached"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	TenantsLoaded int    `json:"tenantsLoaded"`
	Storage       string `json:"storage"`
}
