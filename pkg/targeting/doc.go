// Package targeting evaluates boolean attribute conditions against a user
// attribute bag. It is the leaf dependency for both feature flag rules and
// A/B test audience targeting.
//
// A Condition is either a single clause (attribute, operator, value) or a
// boolean tree combining child conditions with AND/OR logic. Evaluation is a
// pure function of its inputs and has no side effects.
//
// # Usage
//
//	cond := targeting.Condition{
//		All: []targeting.Condition{
//			{Attribute: "plan", Operator: targeting.OpEquals, Value: "pro"},
//			{Attribute: "country", Operator: targeting.OpIn, Value: []any{"US", "CA"}},
//		},
//	}
//
//	ok, err := targeting.Evaluate(cond, map[string]any{
//		"plan":    "pro",
//		"country": "US",
//	})
//
// # Missing attributes
//
// A missing attribute satisfies only OpIsNull. Every other operator,
// including the negative ones (not_equals, not_in, not_contains), evaluates
// to false when the attribute is absent, so a rule never matches a user it
// knows nothing about.
//
// # Error Handling
//
// Malformed conditions (unknown operator, non-string regex pattern, invalid
// regex) return an error wrapping ErrInvalidCondition. Callers in the
// evaluation path are expected to downgrade these to a safe default rather
// than propagate them.
package targeting
