package condition

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxDepth      = 32
	maxNodes      = 500
	maxPathLength = 256
	maxSegments   = 16
)

var segmentPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

// ValidationError lists every problem found in a condition tree.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid condition:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

// Validate checks structural invariants: one discriminant per node, known
// operators, well-formed field paths, and size limits.
func Validate(c Condition) error {
	v := &validator{}
	v.walk(c, "$", 1)
	if v.nodes > maxNodes {
		v.problems = append(v.problems, fmt.Sprintf("tree contains %d nodes, maximum allowed is %d", v.nodes, maxNodes))
	}
	if len(v.problems) > 0 {
		return &ValidationError{Problems: v.problems}
	}
	return nil
}

type validator struct {
	nodes    int
	problems []string
}

func (v *validator) walk(c Condition, loc string, depth int) {
	v.nodes++
	if depth > maxDepth {
		v.problems = append(v.problems, fmt.Sprintf("%s: nesting exceeds maximum depth of %d", loc, maxDepth))
		return
	}

	switch c.Kind() {
	case KindLeaf:
		if err := validateFieldPath(c.Field); err != nil {
			v.problems = append(v.problems, fmt.Sprintf("%s: %v", loc, err))
		}
		if !c.Operator.Valid() {
			v.problems = append(v.problems, fmt.Sprintf("%s: unknown operator %q", loc, c.Operator))
		}
	case KindAll:
		for i, child := range c.All {
			v.walk(child, fmt.Sprintf("%s.all[%d]", loc, i), depth+1)
		}
	case KindAny:
		for i, child := range c.Any {
			v.walk(child, fmt.Sprintf("%s.any[%d]", loc, i), depth+1)
		}
	default:
		v.problems = append(v.problems, fmt.Sprintf("%s: node must have exactly one of field, all, any", loc))
	}
}

// validateFieldPath checks a dotted payload path.
func validateFieldPath(path string) error {
	if path == "" {
		return fmt.Errorf("field is required")
	}
	if len(path) > maxPathLength {
		return fmt.Errorf("field length %d exceeds maximum of %d characters", len(path), maxPathLength)
	}
	segments := strings.Split(path, ".")
	if len(segments) > maxSegments {
		return fmt.Errorf("field %q has %d segments, maximum allowed is %d", path, len(segments), maxSegments)
	}
	for _, s := range segments {
		if !segmentPattern.MatchString(s) {
			return fmt.Errorf("field %q: segment %q must match %s", path, s, segmentPattern.String())
		}
	}
	return nil
}
