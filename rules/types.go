package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liamcoop/automation/action"
	"github.com/liamcoop/automation/condition"
	"github.com/liamcoop/automation/tenant"
)

var (
	// ErrRuleNotFound is returned when a rule does not exist for the tenant.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrDuplicateRule is returned when a rule ID is already taken.
	ErrDuplicateRule = errors.New("rule already exists")
)

// Rule is a tenant-defined automation: when an event of EventType arrives
// and Condition holds, Actions are queued.
type Rule struct {
	ID             string              `json:"id"`
	TenantID       tenant.ID           `json:"tenantId"`
	Name           string              `json:"name"`
	EventType      string              `json:"eventType"`
	Condition      condition.Condition `json:"condition"`
	Actions        []action.Template   `json:"actions"`
	Enabled        bool                `json:"enabled"`
	SimulationOnly bool                `json:"simulationOnly"`
	Version        int                 `json:"version"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// Clone returns a copy that shares no slices with r. Params maps are copied
// one level deep.
func (r *Rule) Clone() *Rule {
	c := *r
	c.Actions = make([]action.Template, len(r.Actions))
	for i, a := range r.Actions {
		c.Actions[i] = a
		if a.Params != nil {
			c.Actions[i].Params = make(map[string]any, len(a.Params))
			for k, v := range a.Params {
				c.Actions[i].Params[k] = v
			}
		}
	}
	return &c
}

// Validate checks the rule shape: a name, a valid condition tree and known
// action types. Handler parameter checks happen in the Engine.
func (r *Rule) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Name) == "" {
		problems = append(problems, "name is required")
	}
	if err := condition.Validate(r.Condition); err != nil {
		problems = append(problems, err.Error())
	}
	for i, a := range r.Actions {
		if err := a.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("actions[%d]: %v", i, err))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidationError is returned when a rule cannot be saved.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid rule: " + strings.Join(e.Problems, "; ")
}

// Patch is a partial update. Nil fields keep their current value.
type Patch struct {
	Name           *string              `json:"name,omitempty"`
	EventType      *string              `json:"eventType,omitempty"`
	Condition      *condition.Condition `json:"condition,omitempty"`
	Actions        *[]action.Template   `json:"actions,omitempty"`
	Enabled        *bool                `json:"enabled,omitempty"`
	SimulationOnly *bool                `json:"simulationOnly,omitempty"`
}

// Apply merges p into r. It does not touch Version or timestamps.
func (p Patch) Apply(r *Rule) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.EventType != nil {
		r.EventType = *p.EventType
	}
	if p.Condition != nil {
		r.Condition = *p.Condition
	}
	if p.Actions != nil {
		r.Actions = *p.Actions
	}
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	if p.SimulationOnly != nil {
		r.SimulationOnly = *p.SimulationOnly
	}
}

// Evaluation is the outcome of running one rule against one event.
type Evaluation struct {
	Rule    *Rule
	Matched bool
	Trace   condition.Trace
	// Actions holds the rule's templates with expression params resolved.
	// It is only populated when the rule matched and materialization worked.
	Actions []action.Template
	Err     error
}
