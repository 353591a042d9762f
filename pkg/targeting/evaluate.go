package targeting

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Evaluate checks a condition against a user attribute bag.
//
// Missing attributes satisfy only OpIsNull; all other operators evaluate
// false for an absent attribute. The function is pure and safe for
// concurrent use.
func Evaluate(cond Condition, attrs map[string]any) (bool, error) {
	switch {
	case len(cond.All) > 0 && len(cond.Any) > 0:
		return false, errors.Join(ErrInvalidCondition,
			errors.New("condition cannot combine 'all' and 'any' at the same level"))

	case len(cond.All) > 0:
		for _, child := range cond.All {
			ok, err := Evaluate(child, attrs)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case len(cond.Any) > 0:
		for _, child := range cond.Any {
			ok, err := Evaluate(child, attrs)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case cond.IsClause():
		return evaluateClause(cond, attrs)

	default:
		// Empty condition never matches.
		return false, nil
	}
}

func evaluateClause(cond Condition, attrs map[string]any) (bool, error) {
	if cond.Attribute == "" {
		return false, errors.Join(ErrInvalidCondition,
			errors.New("clause attribute cannot be empty"))
	}

	actual, exists := attrs[cond.Attribute]
	if actual == nil {
		exists = false
	}

	switch cond.Operator {
	case OpIsNull:
		return !exists, nil
	case OpIsNotNull:
		return exists, nil
	}

	// Every remaining operator compares against the attribute value, and a
	// rule never matches a user it knows nothing about.
	if !exists {
		return false, nil
	}

	switch cond.Operator {
	case OpEquals:
		return looseEqual(actual, cond.Value), nil
	case OpNotEquals:
		return !looseEqual(actual, cond.Value), nil

	case OpIn:
		return inList(actual, cond.Value), nil
	case OpNotIn:
		return !inList(actual, cond.Value), nil

	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false, nil
		}
		switch cond.Operator {
		case OpGreaterThan:
			return a > b, nil
		case OpGreaterThanOrEqual:
			return a >= b, nil
		case OpLessThan:
			return a < b, nil
		default:
			return a <= b, nil
		}

	case OpContains:
		a, b, ok := toStringPair(actual, cond.Value)
		return ok && strings.Contains(a, b), nil
	case OpNotContains:
		a, b, ok := toStringPair(actual, cond.Value)
		return ok && !strings.Contains(a, b), nil
	case OpStartsWith:
		a, b, ok := toStringPair(actual, cond.Value)
		return ok && strings.HasPrefix(a, b), nil
	case OpEndsWith:
		a, b, ok := toStringPair(actual, cond.Value)
		return ok && strings.HasSuffix(a, b), nil

	case OpRegex:
		pattern, ok := cond.Value.(string)
		if !ok {
			return false, errors.Join(ErrInvalidPattern,
				errors.New("regex value must be a string"))
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, errors.Join(ErrInvalidPattern, err)
		}
		s, ok := actual.(string)
		if !ok {
			return false, nil
		}
		return re.MatchString(s), nil

	case OpIsTrue:
		b, ok := actual.(bool)
		return ok && b, nil
	case OpIsFalse:
		b, ok := actual.(bool)
		return ok && !b, nil

	default:
		return false, errors.Join(ErrInvalidCondition,
			fmt.Errorf("unknown operator %q", cond.Operator))
	}
}

// looseEqual compares values across the numeric types that survive JSON
// round-trips (int attribute vs float64 condition value and vice versa).
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	return aok && bok && as == bs
}

func inList(actual, value any) bool {
	list, ok := value.([]any)
	if !ok {
		// A scalar "in" degrades to equality.
		return looseEqual(actual, value)
	}
	for _, item := range list {
		if looseEqual(actual, item) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
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
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toStringPair(a, b any) (string, string, bool) {
	as, aok := a.(string)
	bs, bok := b.(string)
	return as, bs, aok && bok
}
