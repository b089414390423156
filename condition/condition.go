package condition

import (
	"encoding/json"
)

// Kind discriminates condition tree nodes.
type Kind string

const (
	KindLeaf    Kind = "leaf"
	KindAll     Kind = "all"
	KindAny     Kind = "any"
	KindInvalid Kind = "invalid"
)

// Condition is one node of a condition tree. Exactly one of the leaf fields
// (Field/Operator/Value), All, or Any is populated.
type Condition struct {
	Field    string      `json:"field,omitempty"`
	Operator Operator    `json:"operator,omitempty"`
	Value    any         `json:"value,omitempty"`
	All      []Condition `json:"all,omitempty"`
	Any      []Condition `json:"any,omitempty"`
}

// Leaf builds a comparison node.
func Leaf(field string, op Operator, value any) Condition {
	return Condition{Field: field, Operator: op, Value: value}
}

// All builds a conjunction node. With no children the node never matches.
func All(children ...Condition) Condition {
	if children == nil {
		children = []Condition{}
	}
	return Condition{All: children}
}

// Any builds a disjunction node. With no children the node never matches.
func Any(children ...Condition) Condition {
	if children == nil {
		children = []Condition{}
	}
	return Condition{Any: children}
}

// Kind reports which discriminant is populated, or KindInvalid when none or
// more than one is.
func (c Condition) Kind() Kind {
	leaf := c.Field != "" || c.Operator != "" || c.Value != nil
	count := 0
	kind := KindInvalid
	if leaf {
		count++
		kind = KindLeaf
	}
	if c.All != nil {
		count++
		kind = KindAll
	}
	if c.Any != nil {
		count++
		kind = KindAny
	}
	if count != 1 {
		return KindInvalid
	}
	return kind
}

// MarshalJSON emits only the populated discriminant so that an empty
// combinator survives a round trip as "all": [] rather than disappearing.
func (c Condition) MarshalJSON() ([]byte, error) {
	switch c.Kind() {
	case KindAll:
		return json.Marshal(struct {
			All []Condition `json:"all"`
		}{All: c.All})
	case KindAny:
		return json.Marshal(struct {
			Any []Condition `json:"any"`
		}{Any: c.Any})
	default:
		type plain Condition
		return json.Marshal(plain(c))
	}
}
