package condition

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func samplePayload() map[string]any {
	return map[string]any{
		"amount":   float64(1500),
		"priority": "P1",
		"count":    "42",
		"vendor": map[string]any{
			"name":    "Acme Fiber",
			"country": "GH",
			"tags":    []any{"fiber", "west", 7.0},
		},
		"flags":    []string{"vip", "escalated"},
		"approved": true,
		"nothing":  nil,
	}
}

func TestEvaluateLeaf(t *testing.T) {
	testCases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string", Leaf("priority", OpEq, "P1"), true},
		{"eq mismatch", Leaf("priority", OpEq, "P2"), false},
		{"eq numeric coercion", Leaf("count", OpEq, 42), true},
		{"eq bool", Leaf("approved", OpEq, true), true},
		{"eq missing", Leaf("missing.path", OpEq, "x"), false},
		{"neq", Leaf("priority", OpNeq, "P3"), true},
		{"neq missing", Leaf("nope", OpNeq, "x"), true},
		{"gt", Leaf("amount", OpGt, 1000), true},
		{"gt string operand", Leaf("count", OpGt, "41.5"), true},
		{"gte equal", Leaf("amount", OpGte, 1500), true},
		{"lt", Leaf("amount", OpLt, 1000), false},
		{"lte", Leaf("amount", OpLte, 1500.0), true},
		{"gt unparsable", Leaf("priority", OpGt, 1), false},
		{"lt unparsable expected", Leaf("amount", OpLt, "lots"), false},
		{"nested path", Leaf("vendor.country", OpEq, "GH"), true},
		{"slice index", Leaf("vendor.tags.0", OpEq, "fiber"), true},
		{"slice index out of range", Leaf("vendor.tags.9", OpExists, nil), false},
		{"through scalar", Leaf("priority.inner", OpExists, nil), false},
		{"includes sequence", Leaf("vendor.tags", OpIncludes, "west"), true},
		{"includes numeric element", Leaf("vendor.tags", OpIncludes, 7), true},
		{"includes typed slice", Leaf("flags", OpIncludes, "vip"), true},
		{"includes substring", Leaf("vendor.name", OpIncludes, "Fiber"), true},
		{"includes absent", Leaf("vendor.tags", OpIncludes, "east"), false},
		{"excludes sequence", Leaf("vendor.tags", OpExcludes, "east"), true},
		{"excludes present", Leaf("flags", OpExcludes, "vip"), false},
		{"excludes missing field", Leaf("nope", OpExcludes, "x"), true},
		{"excludes on number", Leaf("amount", OpExcludes, "1"), false},
		{"exists", Leaf("vendor.name", OpExists, nil), true},
		{"exists ignores value", Leaf("vendor.name", OpExists, "whatever"), true},
		{"exists nil value", Leaf("nothing", OpExists, nil), false},
		{"missing", Leaf("vendor.zip", OpMissing, nil), true},
		{"missing nil value", Leaf("nothing", OpMissing, nil), true},
		{"missing present", Leaf("amount", OpMissing, nil), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, trace := Evaluate(tc.cond, samplePayload())
			if got != tc.want {
				t.Errorf("Evaluate() = %v, want %v (trace note %q)", got, tc.want, trace.Note)
			}
			if trace.Result != got {
				t.Errorf("trace.Result = %v, want %v", trace.Result, got)
			}
		})
	}
}

func TestCombinatorsMatchBooleanAlgebra(t *testing.T) {
	leaves := []Condition{
		Leaf("amount", OpGt, 1000),
		Leaf("amount", OpLt, 1000),
		Leaf("vendor.country", OpEq, "GH"),
		Leaf("missing", OpExists, nil),
		Leaf("priority", OpGt, 3),
	}
	payload := samplePayload()

	for i, c1 := range leaves {
		for j, c2 := range leaves {
			r1, _ := Evaluate(c1, payload)
			r2, _ := Evaluate(c2, payload)

			all, _ := Evaluate(All(c1, c2), payload)
			if all != (r1 && r2) {
				t.Errorf("all[%d,%d] = %v, want %v", i, j, all, r1 && r2)
			}
			anyResult, _ := Evaluate(Any(c1, c2), payload)
			if anyResult != (r1 || r2) {
				t.Errorf("any[%d,%d] = %v, want %v", i, j, anyResult, r1 || r2)
			}
		}
	}
}

func TestEmptyCombinatorsAreNotTaken(t *testing.T) {
	for _, c := range []Condition{All(), Any()} {
		got, trace := Evaluate(c, samplePayload())
		if got {
			t.Errorf("empty %s evaluated true", c.Kind())
		}
		if trace.Note == "" {
			t.Errorf("empty %s should explain itself in the trace", c.Kind())
		}
	}
}

func TestTraceIncludesEveryChild(t *testing.T) {
	cond := All(
		Leaf("amount", OpLt, 10), // false first: no short circuit
		Any(
			Leaf("priority", OpEq, "P1"),
			Leaf("priority", OpEq, "P2"),
		),
		Leaf("vendor.country", OpEq, "GH"),
	)

	got, trace := Evaluate(cond, samplePayload())
	if got {
		t.Fatal("expected overall false")
	}
	if len(trace.Children) != 3 {
		t.Fatalf("trace has %d children, want 3", len(trace.Children))
	}
	if len(trace.Children[1].Children) != 2 {
		t.Errorf("nested any trace has %d children, want 2", len(trace.Children[1].Children))
	}
	if !trace.Children[2].Result {
		t.Error("third child should have been evaluated and recorded as true")
	}
	if trace.Children[0].Actual != float64(1500) {
		t.Errorf("leaf trace Actual = %v, want 1500", trace.Children[0].Actual)
	}
}

func TestEvaluateNilPayload(t *testing.T) {
	got, trace := Evaluate(Leaf("a.b", OpEq, 1), nil)
	if got {
		t.Error("nil payload should not match")
	}
	if trace.Found {
		t.Error("nil payload should not resolve")
	}
}

func TestInvalidNodeEvaluatesFalse(t *testing.T) {
	bad := Condition{Field: "amount", Operator: OpGt, Value: 1, All: []Condition{}}
	got, trace := Evaluate(bad, samplePayload())
	if got {
		t.Error("invalid node must not match")
	}
	if trace.Kind != KindInvalid {
		t.Errorf("trace.Kind = %s, want invalid", trace.Kind)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name     string
		cond     Condition
		wantErr  bool
		contains string
	}{
		{name: "valid leaf", cond: Leaf("ticket.priority", OpEq, "P1")},
		{name: "valid tree", cond: All(Leaf("a", OpExists, nil), Any(Leaf("b", OpGt, 1)))},
		{name: "empty all is valid", cond: All()},
		{name: "two discriminants", cond: Condition{Field: "a", Operator: OpEq, Any: []Condition{}}, wantErr: true, contains: "exactly one"},
		{name: "nothing populated", cond: Condition{}, wantErr: true, contains: "exactly one"},
		{name: "unknown operator", cond: Leaf("a", "matches", "x"), wantErr: true, contains: "unknown operator"},
		{name: "bad segment", cond: Leaf("a..b", OpEq, 1), wantErr: true, contains: "segment"},
		{name: "missing field", cond: Condition{Operator: OpEq, Value: 1}, wantErr: true, contains: "field is required"},
		{name: "nested problem located", cond: All(Leaf("ok", OpEq, 1), Leaf("ok", "bogus", 1)), wantErr: true, contains: "$.all[1]"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.cond)
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if !strings.Contains(err.Error(), tc.contains) {
				t.Errorf("error %q should contain %q", err.Error(), tc.contains)
			}
		})
	}
}

func TestValidateDepthLimit(t *testing.T) {
	c := Leaf("a", OpEq, 1)
	for i := 0; i < maxDepth+1; i++ {
		c = All(c)
	}
	if err := Validate(c); err == nil {
		t.Fatal("expected depth limit error")
	}
}

func TestJSONKeepsEmptyCombinator(t *testing.T) {
	raw, err := json.Marshal(All())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(raw) != `{"all":[]}` {
		t.Fatalf("Marshal = %s, want {\"all\":[]}", raw)
	}

	var decoded Condition
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Kind() != KindAll {
		t.Errorf("decoded kind = %s, want all", decoded.Kind())
	}
}

func TestJSONDecodesSpecShape(t *testing.T) {
	raw := `{"any":[{"field":"ticket.priority","operator":"eq","value":"P1"},{"all":[{"field":"ticket.impact","operator":"gte","value":3}]}]}`
	var c Condition
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if err := Validate(c); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	payload := map[string]any{"ticket": map[string]any{"priority": "P3", "impact": float64(4)}}
	if got, _ := Evaluate(c, payload); !got {
		t.Error("expected match through nested all")
	}
}
