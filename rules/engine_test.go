package rules

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/automation/action"
	"github.com/liamcoop/automation/condition"
	"github.com/liamcoop/automation/event"
	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/tenant"
)

// paramValidator rejects notify templates without a message, like the real
// handler registry does.
type paramValidator struct{}

func (paramValidator) ValidateTemplate(t action.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Type == action.TypeNotify {
		if _, ok := t.Params["message"]; !ok {
			return errors.New("message is required")
		}
	}
	return nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(acme, NewInMemoryRuleStore(acme), nil, paramValidator{})
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return engine.WithLogger(logger.Discard())
}

func ticketEvent(payload map[string]any) event.Event {
	return event.New(acme, "ticket.created", payload, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)).WithActor("alice")
}

func TestNewEngineRequiresTenant(t *testing.T) {
	if _, err := NewEngine(tenant.ID{}, NewInMemoryRuleStore(acme), nil, nil); err == nil {
		t.Fatal("NewEngine() should reject a zero tenant")
	}
}

func TestAddRuleValidates(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	testCases := []struct {
		name     string
		mutate   func(*Rule)
		contains string
	}{
		{name: "missing handler param", mutate: func(r *Rule) { r.Actions[0].Params = map[string]any{} }, contains: "message is required"},
		{name: "bad expression", mutate: func(r *Rule) { r.Actions[0].Params["message"] = "=payload.priority +" }, contains: "compile error"},
		{name: "bad condition", mutate: func(r *Rule) { r.Condition = condition.Leaf("a", "like", 1) }, contains: "unknown operator"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := sampleRule("")
			tc.mutate(r)
			_, err := engine.AddRule(ctx, r)
			if !IsValidation(err) {
				t.Fatalf("AddRule() = %v, want validation error", err)
			}
			if !strings.Contains(err.Error(), tc.contains) {
				t.Errorf("error %q should contain %q", err.Error(), tc.contains)
			}
		})
	}

	rules, _ := engine.ListRules(ctx)
	if len(rules) != 0 {
		t.Errorf("invalid rules were stored: %v", ids(rules))
	}
}

func TestAddRuleGeneratesID(t *testing.T) {
	engine := newTestEngine(t)
	r, err := engine.AddRule(context.Background(), sampleRule(""))
	if err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if r.ID == "" || r.Version != 1 || r.TenantID != acme {
		t.Errorf("AddRule() returned %+v", r)
	}
}

func TestMatchEvaluatesEnabledRulesInOrder(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	matching := sampleRule("a-match")
	miss := sampleRule("b-miss")
	miss.Condition = condition.Leaf("priority", condition.OpEq, "P4")
	disabled := sampleRule("c-disabled")
	disabled.Enabled = false
	other := sampleRule("d-other-event")
	other.EventType = "ticket.assigned"

	for _, r := range []*Rule{matching, miss, disabled, other} {
		if _, err := engine.AddRule(ctx, r); err != nil {
			t.Fatalf("AddRule(%s) failed: %v", r.ID, err)
		}
	}

	evals, err := engine.Match(ctx, ticketEvent(map[string]any{"priority": "P1"}))
	if err != nil {
		t.Fatalf("Match() failed: %v", err)
	}
	if len(evals) != 2 {
		t.Fatalf("Match() returned %d evaluations, want 2", len(evals))
	}
	if evals[0].Rule.ID != "a-match" || !evals[0].Matched {
		t.Errorf("first evaluation = %s matched=%v", evals[0].Rule.ID, evals[0].Matched)
	}
	if len(evals[0].Actions) != 1 {
		t.Errorf("matched rule should carry 1 action, got %d", len(evals[0].Actions))
	}
	if evals[1].Rule.ID != "b-miss" || evals[1].Matched || evals[1].Actions != nil {
		t.Errorf("second evaluation = %s matched=%v actions=%v", evals[1].Rule.ID, evals[1].Matched, evals[1].Actions)
	}
	if evals[1].Trace.Kind != condition.KindLeaf {
		t.Error("unmatched rule should still carry a trace")
	}
}

func TestMatchMaterializesExpressionParams(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	r := sampleRule("expr")
	r.Actions = []action.Template{{
		Type: action.TypeNotify,
		Params: map[string]any{
			"message":    `="Ticket " + payload.number + " raised by " + event.actor`,
			"level":      "=payload.level + 1",
			"recipients": `=["oncall", payload.team]`,
			"literal":    "kept as is",
		},
	}}
	if _, err := engine.AddRule(ctx, r); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	evals, err := engine.Match(ctx, ticketEvent(map[string]any{
		"priority": "P1",
		"number":   "IT-2026-000042",
		"level":    1,
		"team":     "network",
	}))
	if err != nil {
		t.Fatalf("Match() failed: %v", err)
	}
	if len(evals) != 1 || evals[0].Err != nil {
		t.Fatalf("Match() = %+v", evals)
	}
	params := evals[0].Actions[0].Params
	if params["message"] != "Ticket IT-2026-000042 raised by alice" {
		t.Errorf("message = %v", params["message"])
	}
	if params["level"] != int64(2) {
		t.Errorf("level = %v (%T), want 2", params["level"], params["level"])
	}
	recipients, ok := params["recipients"].([]any)
	if !ok || len(recipients) != 2 || recipients[1] != "network" {
		t.Errorf("recipients = %#v", params["recipients"])
	}
	if params["literal"] != "kept as is" {
		t.Errorf("literal = %v", params["literal"])
	}

	stored, _ := engine.GetRule(ctx, "expr")
	if stored.Actions[0].Params["level"] != "=payload.level + 1" {
		t.Error("materialization must not write back into the rule")
	}
}

func TestMatchCapturesExpressionErrors(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	broken := sampleRule("a-broken")
	broken.Actions[0].Params["message"] = "=payload.absent.deeper"
	healthy := sampleRule("b-healthy")
	for _, r := range []*Rule{broken, healthy} {
		if _, err := engine.AddRule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	evals, err := engine.Match(ctx, ticketEvent(map[string]any{"priority": "P1"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(evals) != 2 {
		t.Fatalf("got %d evaluations, want 2", len(evals))
	}
	if evals[0].Err == nil || evals[0].Actions != nil {
		t.Errorf("broken rule should carry an error and no actions: %+v", evals[0])
	}
	if evals[1].Err != nil || !evals[1].Matched {
		t.Errorf("healthy rule should be unaffected: %+v", evals[1])
	}
}

func TestMatchRejectsForeignTenant(t *testing.T) {
	engine := newTestEngine(t)
	ev := event.New(globex, "ticket.created", nil, time.Now())
	if _, err := engine.Match(context.Background(), ev); err == nil {
		t.Fatal("Match() should reject an event from another tenant")
	}
}

func TestUpdateRuleInvalidatesCacheAndRecompiles(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	r := sampleRule("r1")
	r.Actions[0].Params["message"] = `="v1 " + payload.priority`
	if _, err := engine.AddRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	ev := ticketEvent(map[string]any{"priority": "P1"})
	if _, err := engine.Match(ctx, ev); err != nil {
		t.Fatal(err)
	}

	actions := []action.Template{{Type: action.TypeNotify, Params: map[string]any{"message": `="v2 " + payload.priority`}}}
	updated, err := engine.UpdateRule(ctx, "r1", Patch{Actions: &actions})
	if err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	evals, _ := engine.Match(ctx, ev)
	if got := evals[0].Actions[0].Params["message"]; got != "v2 P1" {
		t.Errorf("message after update = %v, want v2 P1", got)
	}

	disabled := false
	if _, err := engine.UpdateRule(ctx, "r1", Patch{Enabled: &disabled}); err != nil {
		t.Fatal(err)
	}
	evals, _ = engine.Match(ctx, ev)
	if len(evals) != 0 {
		t.Errorf("disabled rule still evaluated: %d", len(evals))
	}

	bad := []action.Template{{Type: action.TypeNotify}}
	if _, err := engine.UpdateRule(ctx, "r1", Patch{Actions: &bad}); !IsValidation(err) {
		t.Errorf("UpdateRule() = %v, want validation error", err)
	}
}

func TestDeleteRule(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	if _, err := engine.AddRule(ctx, sampleRule("r1")); err != nil {
		t.Fatal(err)
	}
	ev := ticketEvent(map[string]any{"priority": "P1"})
	if evals, _ := engine.Match(ctx, ev); len(evals) != 1 {
		t.Fatal("expected one evaluation before delete")
	}
	if err := engine.DeleteRule(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if evals, _ := engine.Match(ctx, ev); len(evals) != 0 {
		t.Error("deleted rule still evaluated")
	}
	if err := engine.DeleteRule(ctx, "r1"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("DeleteRule() = %v, want ErrRuleNotFound", err)
	}
}

func TestEvaluateIgnoresEnabledFlag(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	r := sampleRule("r1")
	r.Enabled = false
	if _, err := engine.AddRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	eval, err := engine.Evaluate(ctx, "r1", ticketEvent(map[string]any{"priority": "P1"}))
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if !eval.Matched {
		t.Error("dry run should evaluate disabled rules")
	}
}

func TestMatchConcurrent(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	r := sampleRule("r1")
	r.Actions[0].Params["message"] = `="hello " + payload.priority`
	if _, err := engine.AddRule(ctx, r); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evals, err := engine.Match(ctx, ticketEvent(map[string]any{"priority": "P1"}))
			if err != nil || len(evals) != 1 || evals[0].Actions[0].Params["message"] != "hello P1" {
				t.Errorf("concurrent Match() = %+v, %v", evals, err)
			}
		}()
	}
	wg.Wait()
}

func TestInMemoryRulesCacheTTL(t *testing.T) {
	cache := NewInMemoryRulesCache(CacheConfig{TTL: time.Minute})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	if _, ok := cache.Get(ctx, "ticket.created"); ok {
		t.Fatal("empty cache should miss")
	}
	cache.Set(ctx, "ticket.created", []*Rule{sampleRule("r1")})
	if got, ok := cache.Get(ctx, "ticket.created"); !ok || len(got) != 1 {
		t.Fatalf("Get() = %v, %v", got, ok)
	}
	cache.Set(ctx, "ticket.assigned", []*Rule{})
	if got, ok := cache.Get(ctx, "ticket.assigned"); !ok || len(got) != 0 {
		t.Error("an empty rule list is a valid cached value")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get(ctx, "ticket.created"); ok {
		t.Error("expired entry should miss")
	}

	now = now.Add(-2 * time.Minute)
	cache.Invalidate(ctx)
	if _, ok := cache.Get(ctx, "ticket.created"); ok {
		t.Error("invalidated cache should miss")
	}
}
