// Package predicate implements the closed boolean condition language used by
// triggers. Conditions are a conjunction of field checks over a fixed field
// set; they are parsed and validated up front and evaluated by a whitelisted
// interpreter, never executed as code.
package predicate

import (
	"encoding/json"
	"fmt"
)

// Fields a check may reference.
const (
	FieldEventType = "event_type"
	FieldStepKind  = "step_kind"
	FieldAgentID   = "agent_id"
)

// Operators.
const (
	OpEq = "eq"
	OpNe = "ne"
	OpIn = "in"
)

// Check is one field comparison. Value serves eq/ne, Values serves in.
type Check struct {
	Field  string   `json:"field"`
	Op     string   `json:"op"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

// Condition is the conjunction of its checks. An empty condition matches
// nothing; a trigger must say what it is looking for.
type Condition struct {
	All []Check `json:"all"`
}

// Subject is the view of an event a condition is evaluated against.
type Subject struct {
	EventType string
	StepKind  string
	AgentID   string
}

// Parse decodes and validates a condition from its JSON form.
func Parse(raw string) (Condition, error) {
	var c Condition
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("invalid condition json: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate rejects unknown fields and operators.
func (c Condition) Validate() error {
	if len(c.All) == 0 {
		return fmt.Errorf("condition requires at least one check")
	}
	for i, chk := range c.All {
		switch chk.Field {
		case FieldEventType, FieldStepKind, FieldAgentID:
		default:
			return fmt.Errorf("check %d: unknown field %q", i, chk.Field)
		}
		switch chk.Op {
		case OpEq, OpNe:
			if chk.Value == "" {
				return fmt.Errorf("check %d: op %s requires value", i, chk.Op)
			}
		case OpIn:
			if len(chk.Values) == 0 {
				return fmt.Errorf("check %d: op in requires values", i)
			}
		default:
			return fmt.Errorf("check %d: unknown op %q", i, chk.Op)
		}
	}
	return nil
}

// Eval reports whether every check holds for the subject.
func (c Condition) Eval(s Subject) bool {
	for _, chk := range c.All {
		if !evalCheck(chk, s) {
			return false
		}
	}
	return len(c.All) > 0
}

func evalCheck(chk Check, s Subject) bool {
	var actual string
	switch chk.Field {
	case FieldEventType:
		actual = s.EventType
	case FieldStepKind:
		actual = s.StepKind
	case FieldAgentID:
		actual = s.AgentID
	default:
		return false
	}
	switch chk.Op {
	case OpEq:
		return actual == chk.Value
	case OpNe:
		return actual != chk.Value
	case OpIn:
		for _, v := range chk.Values {
			if actual == v {
				return true
			}
		}
		return false
	}
	return false
}

// MarshalString returns the canonical JSON form of a condition.
func (c Condition) MarshalString() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
