package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/liamcoop/automation/action"
	"github.com/liamcoop/automation/tenant"
	"github.com/liamcoop/automation/ticket"
)

// TicketService is the part of the ticket workflow automation can drive.
type TicketService interface {
	Escalate(ctx context.Context, tenantID tenant.ID, id string, req ticket.EscalateRequest) (*ticket.Ticket, error)
	RequestAssignment(ctx context.Context, tenantID tenant.ID, id, actor string) (ticket.Ranking, error)
	AddTags(ctx context.Context, tenantID tenant.ID, id string, tags []string, actor string) (*ticket.Ticket, error)
}

// automationActor is recorded in ticket activity written by rule actions.
const automationActor = "automation"

func ticketID(req action.Request) (string, error) {
	id := req.Payload.Param("ticketId")
	if id == "" {
		return "", action.Permanent(errors.New("ticketId is missing from params and event payload"))
	}
	return id, nil
}

// ticketError marks errors no retry can fix as permanent.
func ticketError(err error) error {
	if errors.Is(err, ticket.ErrTicketNotFound) || errors.Is(err, tenant.ErrMissingTenant) {
		return action.Permanent(err)
	}
	return err
}

// TicketEscalate handles "ticket.escalate".
//
// Params: ticketId, optional level (absolute target level) and reason. The
// level falls back to targetLevel from the triggering event, which makes
// breach escalations idempotent.
type TicketEscalate struct {
	tickets TicketService
}

func NewTicketEscalate(tickets TicketService) *TicketEscalate {
	return &TicketEscalate{tickets: tickets}
}

func (h *TicketEscalate) Type() action.Type { return action.TypeTicketEscalate }

func (h *TicketEscalate) Validate(params map[string]any) error {
	if v, ok := params["level"]; ok {
		if _, err := toInt(v); err != nil {
			return fmt.Errorf("level: %w", err)
		}
	}
	return nil
}

func (h *TicketEscalate) Execute(ctx context.Context, req action.Request) error {
	id, err := ticketID(req)
	if err != nil {
		return err
	}
	level := 0
	if v, ok := req.Payload.Params["level"]; ok {
		if level, err = toInt(v); err != nil {
			return action.Permanent(fmt.Errorf("level: %w", err))
		}
	} else if v, ok := req.Payload.Event.Payload["targetLevel"]; ok {
		level, _ = toInt(v)
	}
	reason, _ := req.Payload.Params["reason"].(string)
	if reason == "" {
		reason = req.Payload.Event.Type
	}

	_, err = h.tickets.Escalate(ctx, req.TenantID, id, ticket.EscalateRequest{
		ToLevel: level,
		Reason:  reason,
		Actor:   automationActor,
	})
	return ticketError(err)
}

// TicketAssign handles "ticket.assign" by running the assignment scorer.
//
// Params: ticketId.
type TicketAssign struct {
	tickets TicketService
}

func NewTicketAssign(tickets TicketService) *TicketAssign {
	return &TicketAssign{tickets: tickets}
}

func (h *TicketAssign) Type() action.Type { return action.TypeTicketAssign }

func (h *TicketAssign) Validate(map[string]any) error { return nil }

func (h *TicketAssign) Execute(ctx context.Context, req action.Request) error {
	id, err := ticketID(req)
	if err != nil {
		return err
	}
	_, err = h.tickets.RequestAssignment(ctx, req.TenantID, id, automationActor)
	return ticketError(err)
}

// TicketTag handles "ticket.tag".
//
// Params: ticketId, tags (string or list).
type TicketTag struct {
	tickets TicketService
}

func NewTicketTag(tickets TicketService) *TicketTag {
	return &TicketTag{tickets: tickets}
}

func (h *TicketTag) Type() action.Type { return action.TypeTicketTag }

func (h *TicketTag) Validate(params map[string]any) error {
	tags, err := stringList(params["tags"])
	if err != nil {
		return fmt.Errorf("tags: %w", err)
	}
	if len(tags) == 0 {
		return fmt.Errorf("tags is required")
	}
	return nil
}

func (h *TicketTag) Execute(ctx context.Context, req action.Request) error {
	if err := h.Validate(req.Payload.Params); err != nil {
		return action.Permanent(err)
	}
	id, err := ticketID(req)
	if err != nil {
		return err
	}
	tags, _ := stringList(req.Payload.Params["tags"])
	_, err = h.tickets.AddTags(ctx, req.TenantID, id, tags, automationActor)
	return ticketError(err)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}
