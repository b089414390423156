package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/liamcoop/automation/action"
	"github.com/liamcoop/automation/condition"
	"github.com/liamcoop/automation/event"
	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/tenant"
)

// TemplateValidator checks action parameters when a rule is saved.
// *action.Registry satisfies it.
type TemplateValidator interface {
	ValidateTemplate(t action.Template) error
}

// Engine matches one tenant's events against that tenant's rules.
// Safe for concurrent use.
type Engine struct {
	tenantID  tenant.ID
	env       *cel.Env
	store     RuleStore
	cache     RulesCache
	validator TemplateValidator
	programs  map[string]*compiledRule // ruleID -> compiled params
	logger    *slog.Logger
	mu        sync.RWMutex
}

// NewEngine creates an engine over store. A nil cache gets an in-memory one
// with default settings; a nil validator skips handler parameter checks.
func NewEngine(tenantID tenant.ID, store RuleStore, cache RulesCache, validator TemplateValidator) (*Engine, error) {
	if err := tenantID.Check(); err != nil {
		return nil, err
	}
	env, err := NewEnv()
	if err != nil {
		return nil, err
	}
	if cache == nil {
		cache = NewInMemoryRulesCache(DefaultCacheConfig())
	}
	return &Engine{
		tenantID:  tenantID,
		env:       env,
		store:     store,
		cache:     cache,
		validator: validator,
		programs:  make(map[string]*compiledRule),
		logger:    logger.Component("rules").With("tenant", tenantID.String()),
	}, nil
}

// WithLogger overrides the engine logger.
func (en *Engine) WithLogger(l *slog.Logger) *Engine {
	en.logger = logger.OrDefault(l, "rules").With("tenant", en.tenantID.String())
	return en
}

// TenantID returns the tenant this engine serves.
func (en *Engine) TenantID() tenant.ID { return en.tenantID }

// validate runs every save-time check: shape, handler params, and that
// expression params compile.
func (en *Engine) validate(r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	var problems []string
	if en.validator != nil {
		for i, a := range r.Actions {
			if err := en.validator.ValidateTemplate(a); err != nil {
				problems = append(problems, fmt.Sprintf("actions[%d]: %v", i, err))
			}
		}
	}
	if _, err := compileRule(en.env, r); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// AddRule validates and stores a new rule. An empty ID is generated.
func (en *Engine) AddRule(ctx context.Context, r *Rule) (*Rule, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.TenantID = en.tenantID
	if err := en.validate(r); err != nil {
		return nil, err
	}
	if err := en.store.Add(ctx, r); err != nil {
		return nil, err
	}
	en.cache.Invalidate(ctx)
	en.logger.Info("rule added", "rule_id", r.ID, "event_type", r.EventType)
	return r, nil
}

// UpdateRule merges patch into a rule after validating the merged result.
func (en *Engine) UpdateRule(ctx context.Context, id string, patch Patch) (*Rule, error) {
	updated, err := en.store.Update(ctx, id, patch, en.validate)
	if err != nil {
		return nil, err
	}
	en.forget(id)
	en.cache.Invalidate(ctx)
	en.logger.Info("rule updated", "rule_id", id, "version", updated.Version)
	return updated, nil
}

// DeleteRule removes a rule from the store and compiled programs.
func (en *Engine) DeleteRule(ctx context.Context, id string) error {
	if err := en.store.Delete(ctx, id); err != nil {
		return err
	}
	en.forget(id)
	en.cache.Invalidate(ctx)
	en.logger.Info("rule deleted", "rule_id", id)
	return nil
}

// GetRule returns one rule.
func (en *Engine) GetRule(ctx context.Context, id string) (*Rule, error) {
	return en.store.Get(ctx, id)
}

// ListRules returns every rule in definition order.
func (en *Engine) ListRules(ctx context.Context) ([]*Rule, error) {
	return en.store.List(ctx)
}

func (en *Engine) forget(id string) {
	en.mu.Lock()
	delete(en.programs, id)
	en.mu.Unlock()
}

// program returns the compiled params for r, compiling when the cached copy
// is missing or belongs to an older version.
func (en *Engine) program(r *Rule) (*compiledRule, error) {
	en.mu.RLock()
	c, ok := en.programs[r.ID]
	en.mu.RUnlock()
	if ok && c.version == r.Version {
		return c, nil
	}

	c, err := compileRule(en.env, r)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	en.programs[r.ID] = c
	en.mu.Unlock()
	return c, nil
}

// rulesFor returns the rules registered for eventType, from cache when
// possible.
func (en *Engine) rulesFor(ctx context.Context, eventType string) ([]*Rule, error) {
	if rules, ok := en.cache.Get(ctx, eventType); ok {
		return rules, nil
	}
	rules, err := en.store.ListForEvent(ctx, eventType)
	if err != nil {
		return nil, err
	}
	en.cache.Set(ctx, eventType, rules)
	return rules, nil
}

// Match evaluates every enabled rule for ev.Type in definition order. One
// failing rule never prevents the others from being evaluated; its error is
// reported on its Evaluation.
func (en *Engine) Match(ctx context.Context, ev event.Event) ([]Evaluation, error) {
	if ev.TenantID != en.tenantID {
		return nil, fmt.Errorf("event tenant %q does not match engine tenant %q", ev.TenantID, en.tenantID)
	}
	rules, err := en.rulesFor(ctx, ev.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	out := make([]Evaluation, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		out = append(out, en.evaluate(r, ev))
	}
	return out, nil
}

// Evaluate runs one rule against ev whether or not it is enabled. It is the
// dry-run path and writes nothing.
func (en *Engine) Evaluate(ctx context.Context, ruleID string, ev event.Event) (Evaluation, error) {
	r, err := en.store.Get(ctx, ruleID)
	if err != nil {
		return Evaluation{}, err
	}
	return en.evaluate(r, ev), nil
}

// EvaluateRule runs a rule that does not live in the tenant's store, such as
// a built-in system rule, against ev. Disabled rules and rules for another
// event type report no match.
func (en *Engine) EvaluateRule(r *Rule, ev event.Event) Evaluation {
	if !r.Enabled || r.EventType != ev.Type {
		return Evaluation{Rule: r}
	}
	return en.evaluate(r, ev)
}

func (en *Engine) evaluate(r *Rule, ev event.Event) (result Evaluation) {
	result.Rule = r
	defer func() {
		if p := recover(); p != nil {
			result.Matched = false
			result.Actions = nil
			result.Err = fmt.Errorf("rule evaluation panicked: %v", p)
			en.logger.Error("rule evaluation panicked", "rule_id", r.ID, "panic", p)
		}
	}()

	result.Matched, result.Trace = condition.Evaluate(r.Condition, ev.Payload)
	if !result.Matched {
		return result
	}

	prog, err := en.program(r)
	if err == nil {
		result.Actions, err = prog.materialize(r.Actions, ev)
	}
	if err != nil {
		result.Err = fmt.Errorf("rule %s: %w", r.ID, err)
		result.Actions = nil
		en.logger.Warn("failed to materialize actions", "rule_id", r.ID, "error", err)
	}
	return result
}

// IsValidation reports whether err is a rule validation failure.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
