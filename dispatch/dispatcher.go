// Package dispatch turns published events into audit records and queued
// actions. It subscribes to the event bus and never blocks the publisher on
// action execution.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/liamcoop/automation/action"
	"github.com/liamcoop/automation/audit"
	"github.com/liamcoop/automation/condition"
	"github.com/liamcoop/automation/event"
	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/metrics"
	"github.com/liamcoop/automation/queue"
	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/tenant"
)

// EngineSource resolves a tenant's rules engine.
// *multitenantengine.MultiTenantEngineManager satisfies it.
type EngineSource interface {
	GetEngine(tenantID tenant.ID) (*rules.Engine, error)
}

// Outcome labels for the rule evaluation metric.
const (
	outcomeMatched   = "matched"
	outcomeUnmatched = "unmatched"
	outcomeSimulated = "simulated"
	outcomeError     = "error"
)

// Dispatcher evaluates events against tenant rules and commits the results.
type Dispatcher struct {
	engines   EngineSource
	committer Committer
	system    []*rules.Rule
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Dispatcher.
func New(engines EngineSource, committer Committer) *Dispatcher {
	return &Dispatcher{
		engines:   engines,
		committer: committer,
		logger:    logger.Component("dispatch"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source used for records and entries.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// WithLogger overrides the dispatcher logger.
func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	d.logger = logger.OrDefault(l, "dispatch")
	return d
}

// WithSystemRules adds rules every tenant gets on top of its own. They are
// evaluated after the tenant's rules and audited under their own IDs.
func (d *Dispatcher) WithSystemRules(rs ...*rules.Rule) *Dispatcher {
	d.system = append(d.system, rs...)
	return d
}

// HandleEvent implements event.Handler.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev event.Event) error {
	_, err := d.Dispatch(ctx, ev)
	return err
}

// Dispatch evaluates every enabled rule for ev and commits one audit record
// per rule, plus one pending queue entry per action of each live matching
// rule. Simulation-only rules are audited with Simulation set and enqueue
// nothing. Records come back in rule definition order.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) ([]audit.Record, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	engine, err := d.engines.GetEngine(ev.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load engine: %w", err)
	}
	evals, err := engine.Match(ctx, ev)
	if err != nil {
		return nil, err
	}
	for _, r := range d.system {
		if r.Enabled && r.EventType == ev.Type {
			evals = append(evals, engine.EvaluateRule(r, ev))
		}
	}
	if len(evals) == 0 {
		return []audit.Record{}, nil
	}

	now := d.now()
	ref := action.EventRef{ID: ev.ID, Type: ev.Type, Actor: ev.Actor, Payload: ev.Payload}
	records := make([]audit.Record, 0, len(evals))
	var entries []queue.Entry
	outcomes := make([]string, 0, len(evals))

	for _, eval := range evals {
		rec := audit.NewRecord(eval.Rule.ID, ev, eval.Matched, eval.Trace, now)
		rec.RuleVersion = eval.Rule.Version
		rec.Condition = eval.Rule.Condition
		switch {
		case eval.Err != nil:
			rec.Error = eval.Err.Error()
			outcomes = append(outcomes, outcomeError)
		case !eval.Matched:
			outcomes = append(outcomes, outcomeUnmatched)
		case eval.Rule.SimulationOnly:
			rec.Simulation = true
			outcomes = append(outcomes, outcomeSimulated)
		default:
			for _, tmpl := range eval.Actions {
				payload := action.Payload{Params: tmpl.Params, Event: ref}
				entries = append(entries, queue.NewEntry(ev.TenantID, eval.Rule.ID, tmpl, payload, now))
			}
			outcomes = append(outcomes, outcomeMatched)
		}
		records = append(records, rec)
	}

	if err := d.committer.Commit(ctx, records, entries); err != nil {
		d.logger.Error("failed to commit dispatch",
			"event_id", ev.ID,
			"tenant", ev.TenantID.String(),
			"error", err,
		)
		return nil, fmt.Errorf("failed to commit dispatch: %w", err)
	}

	for _, o := range outcomes {
		metrics.RuleEvaluations.WithLabelValues(o).Inc()
	}
	for _, e := range entries {
		metrics.ActionsEnqueued.WithLabelValues(string(e.ActionType)).Inc()
	}
	d.logger.Debug("event dispatched",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"tenant", ev.TenantID.String(),
		"rules", len(records),
		"entries", len(entries),
	)
	return records, nil
}

// SimulationResult is the dry-run outcome for one rule.
type SimulationResult struct {
	RuleID  string            `json:"ruleId"`
	Event   event.Event       `json:"event"`
	Matched bool              `json:"matched"`
	Trace   condition.Trace   `json:"trace"`
	Actions []action.Template `json:"actions,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Simulate evaluates one rule against payload as if an event of the rule's
// type had been published. Nothing is audited or enqueued.
func (d *Dispatcher) Simulate(ctx context.Context, tenantID tenant.ID, ruleID string, payload map[string]any, actor string) (SimulationResult, error) {
	engine, err := d.engines.GetEngine(tenantID)
	if err != nil {
		return SimulationResult{}, fmt.Errorf("failed to load engine: %w", err)
	}
	r, err := engine.GetRule(ctx, ruleID)
	if err != nil {
		return SimulationResult{}, err
	}

	ev := event.New(tenantID, r.EventType, payload, d.now()).WithActor(actor)
	eval, err := engine.Evaluate(ctx, ruleID, ev)
	if err != nil {
		return SimulationResult{}, err
	}
	res := SimulationResult{
		RuleID:  ruleID,
		Event:   ev,
		Matched: eval.Matched,
		Trace:   eval.Trace,
		Actions: eval.Actions,
	}
	if eval.Err != nil {
		res.Error = eval.Err.Error()
	}
	return res, nil
}
