package workflow

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dukex/deskflow/pkg/template"
)

// Operator compares a field of the conversation against a configured value.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
)

var operators = []Operator{
	OpEq, OpNeq, OpContains, OpNotContains, OpStartsWith, OpEndsWith,
	OpIn, OpNotIn, OpExists, OpNotExists, OpGt, OpGte, OpLt, OpLte,
}

var fieldRoots = []string{"chat", "client", "context", "event"}

// Predicate is either a single comparison or a group combined with all/any.
type Predicate struct {
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`

	Match      string      `json:"match,omitempty"`
	Conditions []Predicate `json:"conditions,omitempty"`
}

// Condition is the config of a condition step: a predicate or a template expression.
type Condition struct {
	Expression string `json:"expression,omitempty"`
	Predicate
}

// ParseCondition reads a condition step config.
func ParseCondition(config map[string]any) (*Condition, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
	}

	var condition Condition
	if err := json.Unmarshal(raw, &condition); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
	}

	if condition.Expression == "" {
		if err := condition.Predicate.validate(); err != nil {
			return nil, err
		}
	}

	return &condition, nil
}

// Evaluate resolves the condition against template data (see template.Data).
func (c *Condition) Evaluate(data map[string]any) (bool, error) {
	if c.Expression != "" {
		result, err := template.Render(c.Expression, data)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
		}

		return template.Truthy(result), nil
	}

	return c.Predicate.Evaluate(data)
}

func (p *Predicate) validate() error {
	if len(p.Conditions) > 0 || p.Match != "" {
		if p.Match != "all" && p.Match != "any" {
			return fmt.Errorf("%w: match must be all or any, got %q", ErrInvalidPredicate, p.Match)
		}

		if len(p.Conditions) == 0 {
			return fmt.Errorf("%w: empty condition group", ErrInvalidPredicate)
		}

		for i := range p.Conditions {
			if err := p.Conditions[i].validate(); err != nil {
				return err
			}
		}

		return nil
	}

	root, _, _ := strings.Cut(p.Field, ".")
	if p.Field == "" || !slices.Contains(fieldRoots, root) {
		return fmt.Errorf("%w: field %q must start with one of %s", ErrInvalidPredicate, p.Field, strings.Join(fieldRoots, ", "))
	}

	if !slices.Contains(operators, p.Operator) {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidPredicate, p.Operator)
	}

	return nil
}

func (p *Predicate) Evaluate(data map[string]any) (bool, error) {
	if err := p.validate(); err != nil {
		return false, err
	}

	if len(p.Conditions) > 0 {
		for i := range p.Conditions {
			ok, err := p.Conditions[i].Evaluate(data)
			if err != nil {
				return false, err
			}

			if p.Match == "any" && ok {
				return true, nil
			}

			if p.Match == "all" && !ok {
				return false, nil
			}
		}

		return p.Match == "all", nil
	}

	actual, found := lookup(data, p.Field)

	expected := p.Value
	if s, ok := expected.(string); ok && template.NeedsTemplating(s) {
		rendered, err := template.RenderString(s, data)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
		}

		expected = rendered
	}

	return compare(p.Operator, actual, found, expected)
}

// lookup walks a dotted path through nested maps.
func lookup(data map[string]any, path string) (any, bool) {
	var current any = data

	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, current != nil
}

func compare(op Operator, actual any, found bool, expected any) (bool, error) {
	switch op {
	case OpExists:
		return found && !isEmpty(actual), nil
	case OpNotExists:
		return !found || isEmpty(actual), nil
	case OpEq:
		return equal(actual, expected), nil
	case OpNeq:
		return !equal(actual, expected), nil
	case OpContains:
		return contains(actual, expected), nil
	case OpNotContains:
		return !contains(actual, expected), nil
	case OpStartsWith:
		return found && strings.HasPrefix(stringify(actual), stringify(expected)), nil
	case OpEndsWith:
		return found && strings.HasSuffix(stringify(actual), stringify(expected)), nil
	case OpIn, OpNotIn:
		list, ok := expected.([]any)
		if !ok {
			return false, fmt.Errorf("%w: %s needs a list value", ErrInvalidPredicate, op)
		}

		in := slices.ContainsFunc(list, func(candidate any) bool { return equal(actual, candidate) })

		return in == (op == OpIn), nil
	case OpGt, OpGte, OpLt, OpLte:
		want, ok := toFloat(expected)
		if !ok {
			return false, fmt.Errorf("%w: %s needs a numeric value, got %v", ErrInvalidPredicate, op, expected)
		}

		got, ok := toFloat(actual)
		if !ok {
			return false, nil
		}

		switch op {
		case OpGt:
			return got > want, nil
		case OpGte:
			return got >= want, nil
		case OpLt:
			return got < want, nil
		default:
			return got <= want, nil
		}
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidPredicate, op)
	}
}

func equal(actual, expected any) bool {
	if a, ok := toFloat(actual); ok {
		if b, ok := toFloat(expected); ok {
			return a == b
		}
	}

	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}

	return stringify(actual) == stringify(expected)
}

func contains(actual, expected any) bool {
	switch v := actual.(type) {
	case []any:
		return slices.ContainsFunc(v, func(item any) bool { return equal(item, expected) })
	case []string:
		return slices.Contains(v, stringify(expected))
	case nil:
		return false
	default:
		return strings.Contains(stringify(actual), stringify(expected))
	}
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()

		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)

		return f, err == nil
	default:
		return 0, false
	}
}
