package action

import (
	"context"
	"fmt"

	"github.com/liamcoop/automation/tenant"
)

// Type identifies an action handler. The set is closed: rules may only
// reference the types declared here.
type Type string

const (
	TypeNotify         Type = "notify"
	TypeWebhook        Type = "webhook"
	TypeTicketEscalate Type = "ticket.escalate"
	TypeTicketAssign   Type = "ticket.assign"
	TypeTicketTag      Type = "ticket.tag"
)

var types = []Type{TypeNotify, TypeWebhook, TypeTicketEscalate, TypeTicketAssign, TypeTicketTag}

// Types returns every declared action type.
func Types() []Type {
	out := make([]Type, len(types))
	copy(out, types)
	return out
}

// Valid reports whether t is a declared action type.
func (t Type) Valid() bool {
	for _, known := range types {
		if t == known {
			return true
		}
	}
	return false
}

// Template is the action part of a rule. It becomes a queued entry only
// after the rule matches.
type Template struct {
	Type         Type           `json:"type"`
	Params       map[string]any `json:"params,omitempty"`
	TargetModule string         `json:"targetModule,omitempty"`
	Priority     int            `json:"priority,omitempty"`
}

// Validate checks the template shape. Handler specific parameter checks are
// done by Registry.ValidateTemplate.
func (t Template) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("unknown action type %q", t.Type)
	}
	return nil
}

// EventRef is the part of the triggering event carried with a queued action.
type EventRef struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Actor   string         `json:"actor,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Payload is the materialized body of a queued action.
type Payload struct {
	Params map[string]any `json:"params"`
	Event  EventRef       `json:"event"`
}

// Param returns a string parameter, falling back to the same key in the
// triggering event payload.
func (p Payload) Param(key string) string {
	if v, ok := p.Params[key]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	if v, ok := p.Event.Payload[key]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// Request is one execution attempt of a queued action.
type Request struct {
	EntryID      string
	TenantID     tenant.ID
	RuleID       string
	Type         Type
	TargetModule string
	Payload      Payload
	Attempt      int
}

// Handler executes one action type. Execution is at-least-once, so handlers
// must tolerate being called again for the same entry.
type Handler interface {
	// Type returns the action type this handler is registered under.
	Type() Type
	// Validate checks template params when a rule is saved.
	Validate(params map[string]any) error
	// Execute runs the action. Errors wrapped with Permanent are not retried.
	Execute(ctx context.Context, req Request) error
}
