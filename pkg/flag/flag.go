package flag

import (
	"time"

	"github.com/zoptal/flagkit/pkg/targeting"
)

// Status is the lifecycle state of a feature flag.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusArchived Status = "archived"
)

// allowedTransitions maps a status to the statuses it may move to through
// UpdateFlag. Evaluation never changes status.
var allowedTransitions = map[Status][]Status{
	StatusDraft:    {StatusActive, StatusArchived},
	StatusActive:   {StatusInactive, StatusArchived},
	StatusInactive: {StatusActive, StatusArchived},
	StatusArchived: {},
}

// Variant is a named value option with a relative weight. Weights need not
// sum to 100; they are used as relative shares during rollout selection.
type Variant struct {
	Key    string `json:"key" bson:"key"`
	Value  any    `json:"value" bson:"value"`
	Weight int    `json:"weight" bson:"weight"`
}

// Rule maps a boolean condition to a target variant. Rules are evaluated in
// ascending Priority order; the first enabled rule whose condition matches
// wins.
type Rule struct {
	ID        string              `json:"id" bson:"id"`
	Priority  int                 `json:"priority" bson:"priority"`
	Enabled   bool                `json:"enabled" bson:"enabled"`
	Condition targeting.Condition `json:"condition" bson:"condition"`
	Variant   string              `json:"variant" bson:"variant"`
}

// Flag is a feature flag definition. Definitions are mutated only through
// explicit management calls; evaluation is read-only.
type Flag struct {
	ID                string    `json:"id" bson:"_id"`
	Key               string    `json:"key" bson:"key"`
	Description       string    `json:"description,omitempty" bson:"description,omitempty"`
	Status            Status    `json:"status" bson:"status"`
	Variants          []Variant `json:"variants" bson:"variants"`
	DefaultVariant    string    `json:"default_variant" bson:"default_variant"`
	Rules             []Rule    `json:"rules,omitempty" bson:"rules,omitempty"`
	RolloutPercentage int       `json:"rollout_percentage" bson:"rollout_percentage"`
	Environment       string    `json:"environment" bson:"environment"`
	CreatedAt         time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" bson:"updated_at"`
}

// variant returns the variant with the given key, if present.
func (f *Flag) variant(key string) (Variant, bool) {
	for _, v := range f.Variants {
		if v.Key == key {
			return v, true
		}
	}
	return Variant{}, false
}

// Context carries the evaluation inputs supplied by the caller.
type Context struct {
	UserID      string         `json:"user_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Environment string         `json:"environment,omitempty"`
	ClientID    string         `json:"client_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp,omitzero"`
}

// bucketKey is the stable identity used for rollout bucketing. Anonymous
// traffic all shares one bucket, which keeps the gate deterministic.
func (c Context) bucketKey() string {
	switch {
	case c.UserID != "":
		return c.UserID
	case c.SessionID != "":
		return c.SessionID
	default:
		return "anonymous"
	}
}

// Reason explains how an evaluation result was produced.
type Reason string

const (
	ReasonFlagNotFound Reason = "FLAG_NOT_FOUND"
	ReasonFlagDisabled Reason = "FLAG_DISABLED"
	ReasonRuleMatch    Reason = "RULE_MATCH"
	ReasonRollout      Reason = "ROLLOUT"
	ReasonDefault      Reason = "DEFAULT"
	ReasonError        Reason = "ERROR"
)

// Result is the outcome of a single flag evaluation.
type Result struct {
	FlagKey      string    `json:"flag_key"`
	Variant      string    `json:"variant"`
	Value        any       `json:"value"`
	Reason       Reason    `json:"reason"`
	RuleID       string    `json:"rule_id,omitempty"`
	EvaluationID string    `json:"evaluation_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Evaluation is the append-only audit record of one evaluation, persisted
// asynchronously via Storage.LogEvaluation.
type Evaluation struct {
	ID          string    `json:"id" bson:"_id"`
	FlagKey     string    `json:"flag_key" bson:"flag_key"`
	Variant     string    `json:"variant" bson:"variant"`
	Reason      Reason    `json:"reason" bson:"reason"`
	Context     Context   `json:"context" bson:"context"`
	Environment string    `json:"environment" bson:"environment"`
	Timestamp   time.Time `json:"timestamp" bson:"timestamp"`
}
