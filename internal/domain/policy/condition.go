package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Operator compares a context field against a condition operand.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpLt          Operator = "lt"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpBetween     Operator = "between"
	OpRegex       Operator = "regex"
)

// Operators lists every supported operator.
var Operators = []Operator{
	OpEq, OpNeq, OpGt, OpLt, OpContains, OpNotContains, OpIn, OpNotIn, OpBetween, OpRegex,
}

// Valid reports whether op is a supported operator.
func (op Operator) Valid() bool {
	for _, known := range Operators {
		if op == known {
			return true
		}
	}
	return false
}

// Condition is a single structured test against the request context.
type Condition struct {
	ID string `json:"id" yaml:"id,omitempty"`
	// Field is a dot-separated path into the context map.
	Field     string    `json:"field" yaml:"field"`
	Operator  Operator  `json:"operator" yaml:"operator"`
	Value     Value     `json:"value" yaml:"value"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// Clone returns a deep copy of the condition.
func (c Condition) Clone() Condition {
	c.Value = c.Value.clone()
	return c
}

// Validate checks that the operand shape fits the operator.
func (c *Condition) Validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("condition field is required")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("condition %q: unknown operator %q", c.Field, c.Operator)
	}
	switch c.Operator {
	case OpIn, OpNotIn:
		if c.Value.Kind() != KindList {
			return fmt.Errorf("condition %q: operator %s requires a list operand", c.Field, c.Operator)
		}
	case OpBetween:
		if items, ok := c.Value.Items(); !ok || len(items) != 2 {
			return fmt.Errorf("condition %q: operator between requires a [low, high] operand", c.Field)
		}
	case OpRegex:
		p, ok := c.Value.Str()
		if !ok {
			return fmt.Errorf("condition %q: operator regex requires a string pattern", c.Field)
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("condition %q: invalid pattern: %w", c.Field, err)
		}
	}
	return nil
}

// Evaluate reports whether the condition holds for ctx. An absent field, a
// null field and any operand that cannot be coerced all yield false.
func (c *Condition) Evaluate(ctx map[string]any) bool {
	left, ok := Lookup(ctx, c.Field)
	if !ok {
		return false
	}
	return compare(c.Operator, left, c.Value)
}

// EvaluateAll reports whether every condition holds. An empty set always holds.
func EvaluateAll(conds []Condition, ctx map[string]any) bool {
	for i := range conds {
		if !conds[i].Evaluate(ctx) {
			return false
		}
	}
	return true
}

// Lookup walks a dot-separated path through nested maps. It returns false when a
// key is missing, an intermediate is not a map or the final value is null.
func Lookup(ctx map[string]any, path string) (Value, bool) {
	if ctx == nil || path == "" {
		return Value{}, false
	}
	var cur any = ctx
	for _, key := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[key]
			if !ok {
				return Value{}, false
			}
			cur = v
		case map[string]string:
			v, ok := m[key]
			if !ok {
				return Value{}, false
			}
			cur = v
		default:
			return Value{}, false
		}
	}
	v := FromAny(cur)
	if v.IsNull() {
		return Value{}, false
	}
	return v, true
}

func compare(op Operator, left, right Value) bool {
	switch op {
	case OpEq:
		return left.Equal(right)
	case OpNeq:
		return !left.Equal(right)
	case OpGt, OpLt:
		l, ok := left.Float()
		if !ok {
			return false
		}
		r, ok := right.Float()
		if !ok {
			return false
		}
		if op == OpGt {
			return l > r
		}
		return l < r
	case OpContains:
		found, ok := contains(left, right)
		return ok && found
	case OpNotContains:
		found, ok := contains(left, right)
		if !ok {
			// a string subject with a non-string needle cannot be tested safely
			return left.Kind() != KindString
		}
		return !found
	case OpIn:
		items, ok := right.Items()
		return ok && member(items, left)
	case OpNotIn:
		items, ok := right.Items()
		return !ok || !member(items, left)
	case OpBetween:
		return between(left, right)
	case OpRegex:
		return regexMatch(left, right)
	}
	return false
}

// contains reports membership of needle in haystack. ok is false when the
// haystack type does not support membership or the needle does not fit it.
func contains(haystack, needle Value) (found, ok bool) {
	switch haystack.Kind() {
	case KindString:
		n, isStr := needle.Str()
		if !isStr {
			return false, false
		}
		s, _ := haystack.Str()
		return strings.Contains(s, n), true
	case KindList:
		items, _ := haystack.Items()
		return member(items, needle), true
	}
	return false, false
}

func member(items []Value, v Value) bool {
	for i := range items {
		if items[i].Equal(v) {
			return true
		}
	}
	return false
}

func between(v, bounds Value) bool {
	items, ok := bounds.Items()
	if !ok || len(items) != 2 {
		return false
	}
	low, high := items[0], items[1]
	if v.Kind() == KindNumber && low.Kind() == KindNumber && high.Kind() == KindNumber {
		n, _ := v.Float()
		lo, _ := low.Float()
		hi, _ := high.Float()
		return lo <= n && n <= hi
	}
	s, sok := v.Str()
	lo, lok := low.Str()
	hi, hok := high.Str()
	if sok && lok && hok {
		return lo <= s && s <= hi
	}
	return false
}

func regexMatch(v, pattern Value) bool {
	p, ok := pattern.Str()
	if !ok {
		return false
	}
	re, err := regexp.Compile(`^(?:` + p + `)`)
	if err != nil {
		return false
	}
	return re.MatchString(v.String())
}
