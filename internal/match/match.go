// Package match implements the closed comparison operator set used by
// scheduler context patterns and workflow branch conditions.
package match

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator is a comparison operator.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpBetween  Operator = "between"
	OpContains Operator = "contains"
)

var operators = map[Operator]bool{
	OpEq: true, OpNe: true, OpGt: true, OpLt: true,
	OpGte: true, OpLte: true, OpBetween: true, OpContains: true,
}

// Valid reports whether op belongs to the operator set.
func (op Operator) Valid() bool { return operators[op] }

// Predicate tests a single resolved value.
type Predicate func(v any) bool

// Compile validates op against its operands and returns a predicate.
// For OpBetween, value is the lower bound and upper the upper bound (inclusive).
func Compile(op Operator, value, upper any) (Predicate, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("unknown operator %q", op)
	}
	switch op {
	case OpEq:
		return func(v any) bool { return equal(v, value) }, nil
	case OpNe:
		return func(v any) bool { return !equal(v, value) }, nil
	case OpGt, OpLt, OpGte, OpLte:
		want, ok := ToFloat(value)
		if !ok {
			return nil, fmt.Errorf("operator %s needs a numeric operand, got %T", op, value)
		}
		return func(v any) bool {
			got, ok := ToFloat(v)
			if !ok {
				return false
			}
			switch op {
			case OpGt:
				return got > want
			case OpLt:
				return got < want
			case OpGte:
				return got >= want
			default:
				return got <= want
			}
		}, nil
	case OpBetween:
		lo, ok1 := ToFloat(value)
		hi, ok2 := ToFloat(upper)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("between needs numeric bounds, got %T and %T", value, upper)
		}
		if lo > hi {
			return nil, fmt.Errorf("between bounds reversed: %v > %v", lo, hi)
		}
		return func(v any) bool {
			got, ok := ToFloat(v)
			return ok && got >= lo && got <= hi
		}, nil
	default: // OpContains
		return func(v any) bool { return contains(v, value) }, nil
	}
}

// ToFloat converts numeric values, and numeric strings, to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func equal(a, b any) bool {
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprint(needle))
	case []string:
		for _, s := range h {
			if equal(s, needle) {
				return true
			}
		}
	case []any:
		for _, s := range h {
			if equal(s, needle) {
				return true
			}
		}
	}
	return false
}
