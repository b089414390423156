package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Operator represents a leaf comparison operator.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIncludes Operator = "includes"
	OpExcludes Operator = "excludes"
	OpExists   Operator = "exists"
	OpMissing  Operator = "missing"
)

var operators = map[Operator]struct{}{
	OpEq: {}, OpNeq: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
	OpIncludes: {}, OpExcludes: {}, OpExists: {}, OpMissing: {},
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	_, ok := operators[op]
	return ok
}

// IgnoresValue reports whether the operator only inspects presence.
func (op Operator) IgnoresValue() bool {
	return op == OpExists || op == OpMissing
}

// toFloat64 coerces a value to float64. Strings are parsed best-effort.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// compare applies op to the resolved value. found is false when the path did
// not resolve. The returned note explains a false result caused by coercion.
func compare(op Operator, actual any, found bool, expected any) (bool, string) {
	switch op {
	case OpExists:
		return found && actual != nil, ""
	case OpMissing:
		return !found || actual == nil, ""
	case OpEq:
		if !found {
			return false, "field not present"
		}
		return equal(actual, expected), ""
	case OpNeq:
		if !found {
			return true, "field not present"
		}
		return !equal(actual, expected), ""
	case OpGt, OpGte, OpLt, OpLte:
		if !found {
			return false, "field not present"
		}
		return numericCompare(op, actual, expected)
	case OpIncludes:
		if !found {
			return false, "field not present"
		}
		return includes(actual, expected)
	case OpExcludes:
		if !found || actual == nil {
			return true, "field not present"
		}
		in, note := includes(actual, expected)
		if note != "" {
			return false, note
		}
		return !in, ""
	default:
		return false, fmt.Sprintf("unknown operator %q", op)
	}
}

// equal compares numerics by value, bools by value, and everything else by
// string form.
func equal(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		return math.Abs(lf-rf) < 1e-9
	}
	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)
		return ok && lb == rb
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func numericCompare(op Operator, left, right any) (bool, string) {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if !lok || !rok {
		return false, fmt.Sprintf("operator %s requires numeric operands, got %T and %T", op, left, right)
	}
	switch op {
	case OpGt:
		return lf > rf, ""
	case OpGte:
		return lf >= rf, ""
	case OpLt:
		return lf < rf, ""
	case OpLte:
		return lf <= rf, ""
	}
	return false, ""
}

// includes handles sequence membership and substring membership.
func includes(container, item any) (bool, string) {
	switch c := container.(type) {
	case string:
		return strings.Contains(c, fmt.Sprintf("%v", item)), ""
	case []any:
		for _, el := range c {
			if equal(el, item) {
				return true, ""
			}
		}
		return false, ""
	case []string:
		for _, el := range c {
			if equal(el, item) {
				return true, ""
			}
		}
		return false, ""
	}

	rv := reflect.ValueOf(container)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), item) {
				return true, ""
			}
		}
		return false, ""
	}
	return false, fmt.Sprintf("includes requires a string or sequence, got %T", container)
}
