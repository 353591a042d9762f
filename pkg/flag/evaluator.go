package flag

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zoptal/flagkit/pkg/bucketing"
	"github.com/zoptal/flagkit/pkg/targeting"
)

// evaluate resolves a flag definition to a single variant. Decision order,
// first match wins:
//
//  1. status != active      -> FLAG_DISABLED, default variant
//  2. first matching rule   -> RULE_MATCH, rule variant
//  3. rollout bucket gate   -> ROLLOUT, weighted deterministic variant
//  4. otherwise             -> DEFAULT, default variant
//
// Targeting failures (bad regex, malformed condition) degrade to an ERROR
// result carrying the default value; evaluate never panics the caller's
// request path. The flag definition is never mutated.
func evaluate(f *Flag, ec Context) Result {
	res := Result{
		FlagKey:      f.Key,
		EvaluationID: uuid.NewString(),
		Timestamp:    time.Now().UTC(),
	}

	defaultVariant, _ := f.variant(f.DefaultVariant)

	if f.Status != StatusActive {
		res.Reason = ReasonFlagDisabled
		res.Variant = f.DefaultVariant
		res.Value = defaultVariant.Value
		return res
	}

	// Rules in ascending priority order, disabled rules skipped.
	rules := make([]Rule, 0, len(f.Rules))
	for _, r := range f.Rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	for _, r := range rules {
		matched, err := targeting.Evaluate(r.Condition, ec.Attributes)
		if err != nil {
			res.Reason = ReasonError
			res.Variant = f.DefaultVariant
			res.Value = defaultVariant.Value
			return res
		}
		if matched {
			v, ok := f.variant(r.Variant)
			if !ok {
				continue
			}
			res.Reason = ReasonRuleMatch
			res.RuleID = r.ID
			res.Variant = v.Key
			res.Value = v.Value
			return res
		}
	}

	// Rollout gate and variant selection share one bucket: the variant bands
	// cover the full 0-99 range and the gate truncates them from the top, so
	// raising the percentage only ever adds users to later bands and never
	// moves a user between variants.
	key := ec.bucketKey()
	if b := bucketing.Bucket(key, f.Key); b < f.RolloutPercentage {
		weights := make([]int, len(f.Variants))
		for i, v := range f.Variants {
			weights[i] = v.Weight
		}
		if idx, err := bucketing.ChoiceAt(b, weights); err == nil {
			v := f.Variants[idx]
			res.Reason = ReasonRollout
			res.Variant = v.Key
			res.Value = v.Value
			return res
		}
	}

	res.Reason = ReasonDefault
	res.Variant = f.DefaultVariant
	res.Value = defaultVariant.Value
	return res
}
