package condition

import (
	"strconv"
	"strings"
)

// Trace records the outcome of every node visited during evaluation. It is
// stored verbatim in audit records.
type Trace struct {
	Kind     Kind     `json:"kind"`
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Expected any      `json:"expected,omitempty"`
	Actual   any      `json:"actual,omitempty"`
	Found    bool     `json:"found,omitempty"`
	Result   bool     `json:"result"`
	Note     string   `json:"note,omitempty"`
	Children []Trace  `json:"children,omitempty"`
}

// Evaluate runs c against payload. It never panics on missing data: an
// unresolvable path is treated as undefined.
//
// Combinators evaluate every child so the trace is complete. An empty all or
// any list is not taken and evaluates to false.
func Evaluate(c Condition, payload map[string]any) (bool, Trace) {
	trace := evaluate(c, payload)
	return trace.Result, trace
}

func evaluate(c Condition, payload map[string]any) Trace {
	switch c.Kind() {
	case KindLeaf:
		return evaluateLeaf(c, payload)
	case KindAll:
		t := Trace{Kind: KindAll, Children: make([]Trace, 0, len(c.All))}
		if len(c.All) == 0 {
			t.Note = "empty combinator"
			return t
		}
		result := true
		for _, child := range c.All {
			ct := evaluate(child, payload)
			result = result && ct.Result
			t.Children = append(t.Children, ct)
		}
		t.Result = result
		return t
	case KindAny:
		t := Trace{Kind: KindAny, Children: make([]Trace, 0, len(c.Any))}
		if len(c.Any) == 0 {
			t.Note = "empty combinator"
			return t
		}
		result := false
		for _, child := range c.Any {
			ct := evaluate(child, payload)
			result = result || ct.Result
			t.Children = append(t.Children, ct)
		}
		t.Result = result
		return t
	default:
		return Trace{Kind: KindInvalid, Note: "node must have exactly one of field, all, any"}
	}
}

func evaluateLeaf(c Condition, payload map[string]any) Trace {
	actual, found := Resolve(payload, c.Field)
	t := Trace{
		Kind:     KindLeaf,
		Field:    c.Field,
		Operator: c.Operator,
		Actual:   actual,
		Found:    found,
	}
	if !c.Operator.IgnoresValue() {
		t.Expected = c.Value
	}
	t.Result, t.Note = compare(c.Operator, actual, found, c.Value)
	return t
}

// Resolve walks a dotted path through nested maps and slices. Numeric
// segments index into slices. A missing key at any depth yields (nil, false).
func Resolve(payload map[string]any, path string) (any, bool) {
	if path == "" || payload == nil {
		return nil, false
	}
	var current any = payload
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}
