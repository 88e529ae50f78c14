package contracts

// ConditionOperator is a comparison in a trigger predicate.
type ConditionOperator string

const (
	OpEq  ConditionOperator = "eq"
	OpNeq ConditionOperator = "neq"
	OpGt  ConditionOperator = "gt"
	OpGte ConditionOperator = "gte"
	OpLt  ConditionOperator = "lt"
	OpLte ConditionOperator = "lte"
	OpIn  ConditionOperator = "in"
)

// ConditionCombinator joins sub-conditions of a group.
type ConditionCombinator string

const (
	CombineAll ConditionCombinator = "and"
	CombineAny ConditionCombinator = "or"
)

// TriggerCondition is the grammar a promotion's trigger is written in:
// a field/operator/value predicate, a group of sub-conditions joined with
// AND/OR, or (exclusively) a CEL expression for conditions the structured
// grammar cannot express.
//
// Exactly one of {Field, Conditions, Expression} must be populated.
type TriggerCondition struct {
	// Leaf predicate, e.g. {"field": "team_score", "operator": "gte", "value": 6}.
	Field    string            `json:"field,omitempty"`
	Operator ConditionOperator `json:"operator,omitempty"`
	Value    any               `json:"value,omitempty"`

	// Group of sub-conditions.
	Combinator ConditionCombinator `json:"combinator,omitempty"`
	Conditions []TriggerCondition  `json:"conditions,omitempty"`

	// CEL expression over the consensus game data, e.g.
	// "home_score >= 6 && is_final".
	Expression string `json:"expression,omitempty"`
}

// IsLeaf reports whether the condition is a single predicate.
func (c TriggerCondition) IsLeaf() bool {
	return c.Field != "" && len(c.Conditions) == 0 && c.Expression == ""
}
