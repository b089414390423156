package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/liamcoop/automation/action"
	"github.com/liamcoop/automation/event"
)

// costLimit bounds the work a single param expression may do.
const costLimit = 1000000

// NewEnv creates the CEL environment param expressions compile against.
// payload is the event payload and event carries id, type, tenant and actor.
func NewEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// paramProgram is one compiled expression param of one action template.
type paramProgram struct {
	key  string
	prog cel.Program
}

// compiledRule caches a rule's expression programs. It is rebuilt when the
// stored version moves on.
type compiledRule struct {
	version int
	actions [][]paramProgram
}

func compileExpression(env *cel.Env, src string) (cel.Program, error) {
	ast, issues := env.Compile(src[1:])
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err := env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

func compileRule(env *cel.Env, r *Rule) (*compiledRule, error) {
	c := &compiledRule{version: r.Version, actions: make([][]paramProgram, len(r.Actions))}
	for i, a := range r.Actions {
		for key, v := range a.Params {
			s, ok := v.(string)
			if !ok || !action.IsExpression(s) {
				continue
			}
			prog, err := compileExpression(env, s)
			if err != nil {
				return nil, fmt.Errorf("actions[%d].params.%s: %w", i, key, err)
			}
			c.actions[i] = append(c.actions[i], paramProgram{key: key, prog: prog})
		}
	}
	return c, nil
}

func activation(ev event.Event) map[string]any {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"payload": payload,
		"event": map[string]any{
			"id":     ev.ID,
			"type":   ev.Type,
			"tenant": ev.TenantID.String(),
			"actor":  ev.Actor,
		},
	}
}

// materialize resolves expression params against ev. Templates are copied;
// the rule's own maps are never written.
func (c *compiledRule) materialize(templates []action.Template, ev event.Event) ([]action.Template, error) {
	vars := activation(ev)
	out := make([]action.Template, len(templates))
	for i, t := range templates {
		out[i] = t
		if len(t.Params) == 0 {
			continue
		}
		params := make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			params[k] = v
		}
		for _, p := range c.actions[i] {
			val, _, err := p.prog.Eval(vars)
			if err != nil {
				return nil, fmt.Errorf("actions[%d].params.%s: %w", i, p.key, err)
			}
			params[p.key] = toNative(val)
		}
		out[i].Params = params
	}
	return out, nil
}

// toNative unwraps CEL values into plain Go values that encode as JSON.
func toNative(v ref.Val) any {
	switch val := v.(type) {
	case types.Null:
		return nil
	case traits.Mapper:
		out := make(map[string]any)
		it := val.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			out[fmt.Sprintf("%v", toNative(k))] = toNative(val.Get(k))
		}
		return out
	case traits.Lister:
		out := make([]any, 0)
		it := val.Iterator()
		for it.HasNext() == types.True {
			out = append(out, toNative(it.Next()))
		}
		return out
	}
	return v.Value()
}
