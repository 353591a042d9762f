package abtest

import (
	"time"

	"github.com/zoptal/flagkit/pkg/targeting"
)

// Status is the lifecycle state of an A/B test.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusArchived  Status = "archived"
)

// allowedTransitions maps a status to the statuses it may move to.
var allowedTransitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusRunning, StatusArchived},
	StatusScheduled: {StatusRunning, StatusStopped, StatusArchived},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusStopped},
	StatusPaused:    {StatusRunning, StatusStopped},
	StatusCompleted: {StatusArchived},
	StatusStopped:   {StatusArchived},
	StatusArchived:  {},
}

// Variant is a test arm with a relative traffic weight. Config carries
// arbitrary variant-specific payload handed back to callers on assignment.
type Variant struct {
	Key       string         `json:"key" bson:"key"`
	Weight    int            `json:"weight" bson:"weight"`
	IsControl bool           `json:"is_control,omitempty" bson:"is_control,omitempty"`
	Config    map[string]any `json:"config,omitempty" bson:"config,omitempty"`
}

// Allocation controls how much traffic enters the test and the hash seed
// for the inclusion gate. An empty seed defaults to the test key.
type Allocation struct {
	TrafficPercent int    `json:"traffic_percent" bson:"traffic_percent"`
	Seed           string `json:"seed,omitempty" bson:"seed,omitempty"`
}

// Schedule bounds the test's active window. A zero EndAt means open-ended.
type Schedule struct {
	StartAt time.Time `json:"start_at,omitzero" bson:"start_at,omitempty"`
	EndAt   time.Time `json:"end_at,omitzero" bson:"end_at,omitempty"`
}

// Targeting holds include and exclude audience rules. Exclude rules take
// precedence: a user matching both is excluded.
type Targeting struct {
	Include []targeting.Condition `json:"include,omitempty" bson:"include,omitempty"`
	Exclude []targeting.Condition `json:"exclude,omitempty" bson:"exclude,omitempty"`
}

// Settings are the statistical parameters for result calculation.
type Settings struct {
	// ConfidenceLevel in (0,1); defaults to 0.95 when zero.
	ConfidenceLevel float64 `json:"confidence_level,omitempty" bson:"confidence_level,omitempty"`
	Power           float64 `json:"power,omitempty" bson:"power,omitempty"`
	// MinSampleSize is the per-test total enrollment target before a test
	// with no winner is called NOT_SIGNIFICANT instead of RUNNING.
	MinSampleSize int `json:"min_sample_size,omitempty" bson:"min_sample_size,omitempty"`
}

// Test is an A/B test definition. Definitions are mutated only through
// explicit management calls; assignment and tracking never modify them.
type Test struct {
	ID          string     `json:"id" bson:"_id"`
	Key         string     `json:"key" bson:"key"`
	Name        string     `json:"name,omitempty" bson:"name,omitempty"`
	Description string     `json:"description,omitempty" bson:"description,omitempty"`
	Status      Status     `json:"status" bson:"status"`
	Variants    []Variant  `json:"variants" bson:"variants"`
	Allocation  Allocation `json:"allocation" bson:"allocation"`
	Schedule    Schedule   `json:"schedule" bson:"schedule"`
	Targeting   Targeting  `json:"targeting" bson:"targeting"`
	Settings    Settings   `json:"settings" bson:"settings"`
	Environment string     `json:"environment" bson:"environment"`
	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" bson:"updated_at"`
}

// ActiveAt reports whether the test accepts enrollments at the given
// moment: status running and now within [StartAt, EndAt).
func (t *Test) ActiveAt(now time.Time) bool {
	if t.Status != StatusRunning {
		return false
	}
	if !t.Schedule.StartAt.IsZero() && now.Before(t.Schedule.StartAt) {
		return false
	}
	if !t.Schedule.EndAt.IsZero() && !now.Before(t.Schedule.EndAt) {
		return false
	}
	return true
}

// seed returns the traffic-allocation hash seed.
func (t *Test) seed() string {
	if t.Allocation.Seed != "" {
		return t.Allocation.Seed
	}
	return t.Key
}

// control returns the control variant: the one flagged IsControl, or the
// first variant when none is flagged.
func (t *Test) control() Variant {
	for _, v := range t.Variants {
		if v.IsControl {
			return v
		}
	}
	return t.Variants[0]
}

// Participation is the durable record of a user's one-time variant
// assignment. One record per (test, user) pair; its existence is what makes
// assignment sticky.
type Participation struct {
	TestID     string         `json:"test_id" bson:"test_id"`
	TestKey    string         `json:"test_key" bson:"test_key"`
	UserID     string         `json:"user_id" bson:"user_id"`
	Variant    string         `json:"variant" bson:"variant"`
	EnrolledAt time.Time      `json:"enrolled_at" bson:"enrolled_at"`
	Attributes map[string]any `json:"attributes,omitempty" bson:"attributes,omitempty"`
}

// Conversion is an append-only conversion fact. Many conversions per
// participation are allowed.
type Conversion struct {
	TestID     string    `json:"test_id" bson:"test_id"`
	TestKey    string    `json:"test_key" bson:"test_key"`
	UserID     string    `json:"user_id" bson:"user_id"`
	Variant    string    `json:"variant" bson:"variant"`
	Event      string    `json:"event" bson:"event"`
	Value      float64   `json:"value,omitempty" bson:"value,omitempty"`
	OccurredAt time.Time `json:"occurred_at" bson:"occurred_at"`
}

// Assignment is what a caller receives when a user enters a test.
type Assignment struct {
	TestKey string         `json:"test_key"`
	Variant string         `json:"variant"`
	Config  map[string]any `json:"config,omitempty"`
}

// ResultStatus summarizes where a test's analysis stands.
type ResultStatus string

const (
	ResultRunning        ResultStatus = "RUNNING"
	ResultSignificant    ResultStatus = "SIGNIFICANT"
	ResultNotSignificant ResultStatus = "NOT_SIGNIFICANT"
)

// VariantResult holds per-variant sample and conversion metrics.
type VariantResult struct {
	Key         string  `json:"key" bson:"key"`
	IsControl   bool    `json:"is_control,omitempty" bson:"is_control,omitempty"`
	Samples     int     `json:"samples" bson:"samples"`
	Conversions int     `json:"conversions" bson:"conversions"`
	Rate        float64 `json:"rate" bson:"rate"`
}

// Result is the derived statistical outcome of a test, recomputed
// periodically from participations and conversions. Never hand-edited.
type Result struct {
	TestID          string          `json:"test_id" bson:"_id"`
	TestKey         string          `json:"test_key" bson:"test_key"`
	Status          ResultStatus    `json:"status" bson:"status"`
	Variants        []VariantResult `json:"variants" bson:"variants"`
	WinningVariant  string          `json:"winning_variant,omitempty" bson:"winning_variant,omitempty"`
	PValue          float64         `json:"p_value" bson:"p_value"`
	Confidence      float64         `json:"confidence" bson:"confidence"`
	Effect          float64         `json:"effect" bson:"effect"`
	CILower         float64         `json:"ci_lower" bson:"ci_lower"`
	CIUpper         float64         `json:"ci_upper" bson:"ci_upper"`
	Recommendations []string        `json:"recommendations,omitempty" bson:"recommendations,omitempty"`
	CalculatedAt    time.Time       `json:"calculated_at" bson:"calculated_at"`
}
