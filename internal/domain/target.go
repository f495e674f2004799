package domain

import (
	"fmt"
	"math"
)

// TargetKind distinguishes how a model's label was defined at training time.
type TargetKind string

const (
	TargetThreshold TargetKind = "threshold"
	TargetTimeBased TargetKind = "time_based"
)

// Operator is a threshold comparison operator.
type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "="
	OpGreaterEqual Operator = ">="
	OpGreater      Operator = ">"
)

// ParseOperator accepts ASCII and unicode spellings.
func ParseOperator(s string) (Operator, error) {
	switch s {
	case "<":
		return OpLess, nil
	case "<=", "≤":
		return OpLessEqual, nil
	case "=", "==":
		return OpEqual, nil
	case ">=", "≥":
		return OpGreaterEqual, nil
	case ">":
		return OpGreater, nil
	}
	return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidSettings, s)
}

// Compare evaluates `a op b`.
func (op Operator) Compare(a, b float64) bool {
	switch op {
	case OpLess:
		return a < b
	case OpLessEqual:
		return a <= b
	case OpEqual:
		return math.Abs(a-b) <= 1e-12*math.Max(1, math.Abs(b))
	case OpGreaterEqual:
		return a >= b
	case OpGreater:
		return a > b
	}
	return false
}

// Direction of a time-based target.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// TargetDetail is the label definition. Threshold targets use Variable,
// Operator and Value; time-based targets use MinChangePct, Direction and
// ReferenceVariable. HorizonMinutes applies to both.
type TargetDetail struct {
	Variable          string    `json:"variable,omitempty"`
	Operator          Operator  `json:"operator,omitempty"`
	Value             *float64  `json:"value,omitempty"`
	HorizonMinutes    int       `json:"horizon_minutes"`
	MinChangePct      float64   `json:"min_change_pct,omitempty"`
	Direction         Direction `json:"direction,omitempty"`
	ReferenceVariable string    `json:"reference_variable,omitempty"`
}

// Complete reports whether the target can be evaluated.
func (t TargetDetail) Complete(kind TargetKind) bool {
	return t.Validate(kind) == nil
}

// Validate checks the target against its kind. horizon_minutes is always required.
func (t TargetDetail) Validate(kind TargetKind) error {
	if t.HorizonMinutes <= 0 {
		return fmt.Errorf("%w: horizon_minutes must be > 0", ErrInvalidSettings)
	}
	switch kind {
	case TargetTimeBased:
		if t.ReferenceVariable == "" {
			return fmt.Errorf("%w: time-based target requires reference_variable", ErrInvalidSettings)
		}
		if t.Direction != DirectionUp && t.Direction != DirectionDown {
			return fmt.Errorf("%w: direction must be up or down", ErrInvalidSettings)
		}
		if t.MinChangePct < 0 {
			return fmt.Errorf("%w: min_change_pct must be >= 0", ErrInvalidSettings)
		}
	case TargetThreshold:
		if t.Variable == "" || t.Value == nil {
			return fmt.Errorf("%w: threshold target requires variable and value", ErrInvalidSettings)
		}
		if _, err := ParseOperator(string(t.Operator)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown target kind %q", ErrInvalidSettings, kind)
	}
	return nil
}

func (t TargetDetail) clone() TargetDetail {
	c := t
	if t.Value != nil {
		v := *t.Value
		c.Value = &v
	}
	return c
}
