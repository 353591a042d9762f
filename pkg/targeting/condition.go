package targeting

// Operator is a comparison applied to a single user attribute.
type Operator string

// Supported operators.
const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
	OpRegex              Operator = "regex"
	OpIsTrue             Operator = "is_true"
	OpIsFalse            Operator = "is_false"
	OpIsNull             Operator = "is_null"
	OpIsNotNull          Operator = "is_not_null"
)

// Condition is either a single clause (Attribute/Operator/Value set) or a
// boolean tree (All/Any set). A condition with both a clause and children is
// malformed; a condition with neither always evaluates false.
type Condition struct {
	Attribute string   `json:"attribute,omitempty" bson:"attribute,omitempty"`
	Operator  Operator `json:"operator,omitempty" bson:"operator,omitempty"`
	Value     any      `json:"value,omitempty" bson:"value,omitempty"`

	// All matches when every child matches (AND).
	All []Condition `json:"all,omitempty" bson:"all,omitempty"`
	// Any matches when at least one child matches (OR).
	Any []Condition `json:"any,omitempty" bson:"any,omitempty"`
}

// IsClause reports whether the condition is a single attribute clause.
func (c Condition) IsClause() bool {
	return c.Operator != "" && len(c.All) == 0 && len(c.Any) == 0
}

// IsZero reports whether the condition is empty.
func (c Condition) IsZero() bool {
	return c.Attribute == "" && c.Operator == "" && c.Value == nil &&
		len(c.All) == 0 && len(c.Any) == 0
}
