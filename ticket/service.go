package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/automation/event"
	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/metrics"
	"github.com/liamcoop/automation/tenant"
)

// Publisher delivers ticket events to the automation path. *event.Bus
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) error
}

// NewTicket is the intake request for Create.
type NewTicket struct {
	TenantID       tenant.ID `json:"tenantId"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Priority       string    `json:"priority"`
	ImpactLevel    string    `json:"impactLevel,omitempty"`
	Region         string    `json:"region,omitempty"`
	RequiredSkills []string  `json:"requiredSkills,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Actor          string    `json:"actor,omitempty"`
}

// EscalateRequest describes an escalation. ToLevel > 0 makes the call
// idempotent for that level.
type EscalateRequest struct {
	ToLevel int
	Reason  string
	Actor   string
}

// Service is the ticket workflow API. Every mutation goes through the
// store's Mutate so the state machine and setters are the only writers.
type Service struct {
	store     Store
	policies  PolicyStore
	engineers EngineerStore
	publisher Publisher
	logger    *slog.Logger
	clock     func() time.Time
}

// NewService wires a ticket service. publisher may be nil, in which case no
// events are emitted.
func NewService(store Store, policies PolicyStore, engineers EngineerStore, publisher Publisher) *Service {
	return &Service{
		store:     store,
		policies:  policies,
		engineers: engineers,
		publisher: publisher,
		logger:    logger.Component("ticket"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithLogger overrides the component logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = logger.OrDefault(l, "ticket")
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// Create opens a ticket: resolves the SLA policy, stamps due times and
// allocates the ticket number. A tenant without a matching policy gets a
// ticket with no due times.
func (s *Service) Create(ctx context.Context, in NewTicket) (*Ticket, error) {
	if err := in.TenantID.Check(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("ticket title is required")
	}
	if strings.TrimSpace(in.Priority) == "" {
		return nil, fmt.Errorf("ticket priority is required")
	}

	now := s.now()
	t := &Ticket{
		ID:             uuid.New().String(),
		TenantID:       in.TenantID,
		Title:          in.Title,
		Description:    in.Description,
		Status:         StatusNew,
		Priority:       in.Priority,
		ImpactLevel:    in.ImpactLevel,
		Region:         in.Region,
		RequiredSkills: in.RequiredSkills,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	AddTags(t, in.Tags, in.Actor, now)

	policy, err := s.policies.Resolve(ctx, in.TenantID, in.Priority, in.ImpactLevel)
	switch {
	case err == nil:
		responseDue, resolutionDue := ComputeDueTimes(now, policy)
		t.SLAPolicyID = policy.ID
		t.ResponseDueAt = &responseDue
		t.ResolutionDueAt = &resolutionDue
	case errors.Is(err, ErrNoPolicy):
		s.logger.Warn("no SLA policy for ticket", "tenant", in.TenantID.String(), "priority", in.Priority, "impact", in.ImpactLevel)
	default:
		return nil, err
	}

	seq, err := s.store.NextNumber(ctx, in.TenantID, now.Year())
	if err != nil {
		return nil, err
	}
	t.Number = FormatNumber(now.Year(), seq)

	created := newActivity(t, ActivityCreated, in.Actor, now)
	created.To = string(StatusNew)
	if err := s.store.Create(ctx, t, created); err != nil {
		return nil, err
	}

	s.publish(ctx, t, event.TypeTicketCreated, in.Actor, nil)
	return t, nil
}

// FormatNumber renders a human ticket number, e.g. IT-2026-000042.
func FormatNumber(year int, seq int64) string {
	return fmt.Sprintf("IT-%d-%06d", year, seq)
}

// Get returns a ticket.
func (s *Service) Get(ctx context.Context, tenantID tenant.ID, id string) (*Ticket, error) {
	return s.store.Get(ctx, tenantID, id)
}

// Activity returns a ticket's activity log.
func (s *Service) Activity(ctx context.Context, tenantID tenant.ID, id string) ([]ActivityLog, error) {
	return s.store.Activity(ctx, tenantID, id)
}

// Transition moves a ticket through the workflow and then runs the breach
// detector against the updated ticket.
func (s *Service) Transition(ctx context.Context, tenantID tenant.ID, id string, to Status, actor string) (*Ticket, ActivityLog, error) {
	now := s.now()
	var change ActivityLog
	var breached bool

	t, err := s.store.Mutate(ctx, tenantID, id, func(t *Ticket) ([]ActivityLog, error) {
		log, err := Transition(t, to, actor, now)
		if err != nil {
			return nil, err
		}
		change = log
		logs := []ActivityLog{log}
		if b, ok := MarkBreached(t, now); ok {
			breached = true
			logs = append(logs, b)
		}
		return logs, nil
	})
	if err != nil {
		return nil, ActivityLog{}, err
	}

	metrics.TicketTransitions.WithLabelValues(string(to)).Inc()
	s.publish(ctx, t, event.TypeTicketStatusChanged, actor, map[string]any{
		"from": change.From,
		"to":   change.To,
	})
	if breached {
		s.publishBreach(ctx, t)
	}
	return t, change, nil
}

// RequestAssignment scores the tenant's engineers for the ticket and
// assigns the primary and backup. With no eligible engineer the ranking is
// returned empty and the ticket is left unassigned.
func (s *Service) RequestAssignment(ctx context.Context, tenantID tenant.ID, id, actor string) (Ranking, error) {
	t, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return Ranking{}, err
	}
	candidates, err := s.engineers.List(ctx, tenantID)
	if err != nil {
		return Ranking{}, err
	}
	ranking := Score(RequirementFor(t), candidates)
	if ranking.Primary == nil {
		s.logger.Warn("no on-duty engineer for ticket", "tenant", tenantID.String(), "ticket_id", id)
		return ranking, nil
	}

	backup := ""
	if ranking.Backup != nil {
		backup = ranking.Backup.Engineer.ID
	}
	if _, err := s.Assign(ctx, tenantID, id, ranking.Primary.Engineer.ID, backup, actor); err != nil {
		return Ranking{}, err
	}
	return ranking, nil
}

// Assign sets the primary and backup engineers and moves load from the
// previous primary to the new one.
func (s *Service) Assign(ctx context.Context, tenantID tenant.ID, id, primary, backup, actor string) (*Ticket, error) {
	now := s.now()
	var previous string
	var changed bool

	t, err := s.store.Mutate(ctx, tenantID, id, func(t *Ticket) ([]ActivityLog, error) {
		previous = t.AssignedEngineerID
		log, ok := Assign(t, primary, backup, actor, now)
		if !ok {
			return nil, nil
		}
		changed = true
		return []ActivityLog{log}, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}

	if previous != primary {
		if previous != "" {
			if err := s.engineers.AdjustLoad(ctx, tenantID, previous, -1); err != nil {
				s.logger.Warn("failed to release engineer load", "tenant", tenantID.String(), "engineer", previous, "error", err)
			}
		}
		if primary != "" {
			if err := s.engineers.AdjustLoad(ctx, tenantID, primary, 1); err != nil {
				s.logger.Warn("failed to add engineer load", "tenant", tenantID.String(), "engineer", primary, "error", err)
			}
		}
	}

	s.publish(ctx, t, event.TypeTicketAssigned, actor, map[string]any{
		"previousEngineerId": previous,
	})
	return t, nil
}

// AddTags merges tags into the ticket.
func (s *Service) AddTags(ctx context.Context, tenantID tenant.ID, id string, tags []string, actor string) (*Ticket, error) {
	now := s.now()
	return s.store.Mutate(ctx, tenantID, id, func(t *Ticket) ([]ActivityLog, error) {
		log, ok := AddTags(t, tags, actor, now)
		if !ok {
			return nil, nil
		}
		return []ActivityLog{log}, nil
	})
}

// Escalate raises the ticket's escalation level and publishes
// ticket.escalated with the role from the policy's escalation chain.
func (s *Service) Escalate(ctx context.Context, tenantID tenant.ID, id string, req EscalateRequest) (*Ticket, error) {
	now := s.now()
	var changed bool

	t, err := s.store.Mutate(ctx, tenantID, id, func(t *Ticket) ([]ActivityLog, error) {
		log, ok := Escalate(t, req.ToLevel, req.Reason, req.Actor, now)
		if !ok {
			return nil, nil
		}
		changed = true
		return []ActivityLog{log}, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}

	extra := map[string]any{"reason": req.Reason}
	if t.SLAPolicyID != "" {
		if p, err := s.policies.Get(ctx, tenantID, t.SLAPolicyID); err == nil {
			extra["escalationRole"] = p.EscalationRole(t.EscalationLevel)
		}
	}
	s.publish(ctx, t, event.TypeTicketEscalated, req.Actor, extra)
	return t, nil
}

// CheckBreaches flags every open ticket whose resolution time has passed.
// Tickets already flagged are skipped, so repeated sweeps publish one
// breach event per ticket.
func (s *Service) CheckBreaches(ctx context.Context, tenantID tenant.ID) ([]*Ticket, error) {
	open, err := s.store.ListOpen(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	var breached []*Ticket
	for _, candidate := range open {
		if candidate.SLABreachedAt != nil || !DetectBreach(candidate, now) {
			continue
		}
		var flagged bool
		t, err := s.store.Mutate(ctx, tenantID, candidate.ID, func(t *Ticket) ([]ActivityLog, error) {
			log, ok := MarkBreached(t, now)
			if !ok {
				return nil, nil
			}
			flagged = true
			return []ActivityLog{log}, nil
		})
		if err != nil {
			return breached, err
		}
		if flagged {
			s.publishBreach(ctx, t)
			breached = append(breached, t)
		}
	}
	return breached, nil
}

func (s *Service) publishBreach(ctx context.Context, t *Ticket) {
	metrics.SLABreaches.Inc()
	extra := map[string]any{
		"targetLevel":   t.EscalationLevel + 1,
		"autoEscalate":  false,
		"slaBreachedAt": t.SLABreachedAt.UTC().Format(time.RFC3339),
	}
	if t.SLAPolicyID != "" {
		if p, err := s.policies.Get(ctx, t.TenantID, t.SLAPolicyID); err == nil {
			extra["autoEscalate"] = p.AutoEscalate
			chain := make([]any, len(p.EscalationChain))
			for i, role := range p.EscalationChain {
				chain[i] = role
			}
			extra["escalationChain"] = chain
		}
	}
	s.publish(ctx, t, event.TypeTicketSLABreached, "system", extra)
}

// publish emits a ticket event. Publishing never fails the ticket
// operation; automation problems are visible in the audit log instead.
func (s *Service) publish(ctx context.Context, t *Ticket, eventType, actor string, extra map[string]any) {
	if s.publisher == nil {
		return
	}
	payload := Payload(t)
	for k, v := range extra {
		payload[k] = v
	}
	ev := event.New(t.TenantID, eventType, payload, s.now()).WithActor(actor)
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error("failed to publish ticket event", "tenant", t.TenantID.String(), "ticket_id", t.ID, "type", eventType, "error", err)
	}
}

// Payload flattens a ticket into an event payload for rule conditions.
func Payload(t *Ticket) map[string]any {
	p := map[string]any{
		"ticketId":           t.ID,
		"number":             t.Number,
		"title":              t.Title,
		"status":             string(t.Status),
		"priority":           t.Priority,
		"impactLevel":        t.ImpactLevel,
		"region":             t.Region,
		"requiredSkills":     toAnySlice(t.RequiredSkills),
		"tags":               toAnySlice(t.Tags),
		"slaPolicyId":        t.SLAPolicyID,
		"assignedEngineerId": t.AssignedEngineerID,
		"backupEngineerId":   t.BackupEngineerID,
		"escalationLevel":    t.EscalationLevel,
	}
	if t.ResolutionDueAt != nil {
		p["resolutionDueAt"] = t.ResolutionDueAt.UTC().Format(time.RFC3339)
	}
	if t.ResponseDueAt != nil {
		p["responseDueAt"] = t.ResponseDueAt.UTC().Format(time.RFC3339)
	}
	return p
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
