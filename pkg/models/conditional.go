package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCondition is returned for conditions that cannot be evaluated.
var ErrInvalidCondition = errors.New("invalid condition")

// ConditionOperator is the comparison applied by a Condition.
type ConditionOperator string

const (
	OperatorEquals    ConditionOperator = "eq"
	OperatorNotEquals ConditionOperator = "neq"
	OperatorExists    ConditionOperator = "exists"
	OperatorNotExists ConditionOperator = "not_exists"
	OperatorContains  ConditionOperator = "contains"
	OperatorGreater   ConditionOperator = "gt"
	OperatorLess      ConditionOperator = "lt"
	OperatorTruthy    ConditionOperator = "truthy"
)

// Condition gates the tasks of a node on the job environment. An empty NodeID
// applies the condition to every node of the flow.
//
// Field is a dotted path into the environment, e.g. "record.country" or "vars.enabled".
type Condition struct {
	NodeID   string            `json:"node_id,omitempty"`
	Field    string            `json:"field"              validate:"required"`
	Operator ConditionOperator `json:"operator"           validate:"required,oneof=eq neq exists not_exists contains gt lt truthy"`
	Value    any               `json:"value,omitempty"`
}

// AppliesTo reports whether the condition gates the given node.
func (c Condition) AppliesTo(nodeID string) bool {
	return c.NodeID == "" || c.NodeID == nodeID
}

// Evaluate resolves the condition against env.
func (c Condition) Evaluate(env map[string]any) (bool, error) {
	got, found := Lookup(env, c.Field)

	switch c.Operator {
	case OperatorExists:
		return found && got != nil, nil
	case OperatorNotExists:
		return !found || got == nil, nil
	case OperatorTruthy:
		if !found {
			return false, nil
		}

		return Truthy(got)
	case OperatorEquals:
		return found && stringify(got) == stringify(c.Value), nil
	case OperatorNotEquals:
		return !found || stringify(got) != stringify(c.Value), nil
	case OperatorContains:
		return found && contains(got, c.Value), nil
	case OperatorGreater, OperatorLess:
		if !found {
			return false, nil
		}

		left, err := toFloat(got)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", c.Field, err)
		}

		right, err := toFloat(c.Value)
		if err != nil {
			return false, fmt.Errorf("value of %s: %w", c.Field, err)
		}

		if c.Operator == OperatorGreater {
			return left > right, nil
		}

		return left < right, nil
	default:
		return false, fmt.Errorf("operator %q: %w", c.Operator, ErrInvalidCondition)
	}
}

// Lookup walks a dotted path through nested maps.
func Lookup(env map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = env

	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// Truthy converts a loosely typed value to a boolean. nil and "" are true.
func Truthy(value any) (bool, error) {
	if value == nil {
		return true, nil
	}

	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		if v == "" {
			return true, nil
		}

		result, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("cannot convert string %q to boolean: %w", v, err)
		}

		return result, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", value)
	}
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, stringify(needle))
	case []any:
		for _, item := range h {
			if stringify(item) == stringify(needle) {
				return true
			}
		}
	case []string:
		for _, item := range h {
			if item == stringify(needle) {
				return true
			}
		}
	}

	return false
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert string %q to number: %w", v, err)
		}

		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", value)
	}
}

// stringify renders scalar JSON values the way they are compared in filters.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
