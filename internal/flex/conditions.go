// Condition evaluation.
//
// A condition group holds an ordered list of conditions, each link
// carrying the boolean operator that joins it to the NEXT condition in
// the list. Evaluation folds strictly left to right:
//
//	result = cond[0]
//	result = operate(link[0].op, result, cond[1])
//	result = operate(link[1].op, result, cond[2])
//	...
//
// There is no operator precedence: "a OR b AND c" is (a OR b) AND c.
// Both operands of every step are computed; nothing short-circuits.
//
// Groups may nest through NestedGroupCondition. A visited set threaded
// through the recursion detects reference cycles and fails the whole
// evaluation with ErrCyclicRef instead of recursing forever.
package flex

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Op is a boolean join operator between adjacent conditions or groups.
type Op string

const (
	OpAnd Op = "and"
	OpOr  Op = "or"
)

// Comparator selects how a FieldCondition tests a record value.
type Comparator string

const (
	CmpExists       Comparator = "exists"
	CmpMatches      Comparator = "matches"
	CmpDoesNotMatch Comparator = "does_not_match"
)

// Record is anything conditions and actions can read field values from:
// a stored instance, or the raw value map of an in-flight submission.
type Record interface {
	// Get returns the value of the named field and whether it is present.
	Get(field string) (any, bool)
	// Attr returns a non-field attribute of the record, such as its id.
	Attr(name string) (any, bool)
}

// Condition is one node of the rule graph.
type Condition interface {
	Evaluate(rec Record, visited map[string]bool) (bool, error)
}

// TrueCondition always holds.
type TrueCondition struct{}

func (TrueCondition) Evaluate(Record, map[string]bool) (bool, error) { return true, nil }

// FalseCondition never holds.
type FalseCondition struct{}

func (FalseCondition) Evaluate(Record, map[string]bool) (bool, error) { return false, nil }

// FieldCondition tests a single field of the record.
type FieldCondition struct {
	ID         string
	Field      *Field
	Comparator Comparator
	// Value is the comparison operand for matches/does_not_match,
	// already in the field's canonical form.
	Value any
}

func (c *FieldCondition) Evaluate(rec Record, _ map[string]bool) (bool, error) {
	v, _ := rec.Get(c.Field.Name)
	switch c.Comparator {
	case CmpExists:
		return valueExists(v), nil
	case CmpMatches:
		return valuesEqual(c.Field.Kind, v, c.Value), nil
	case CmpDoesNotMatch:
		return !valuesEqual(c.Field.Kind, v, c.Value), nil
	default:
		return false, fmt.Errorf("%w: comparator %q", ErrInvalidOperator, c.Comparator)
	}
}

// HasAttributeCondition holds when the record exposes a non-nil
// attribute with the given name.
type HasAttributeCondition struct {
	ID        string
	Attribute string
}

func (c *HasAttributeCondition) Evaluate(rec Record, _ map[string]bool) (bool, error) {
	v, ok := rec.Attr(c.Attribute)
	return ok && v != nil, nil
}

// NestedGroupCondition delegates to a child group, carrying the visited
// set down so cycles are caught.
type NestedGroupCondition struct {
	ID    string
	Group *ConditionGroup
}

func (c *NestedGroupCondition) Evaluate(rec Record, visited map[string]bool) (bool, error) {
	if visited[c.Group.ID] {
		return false, fmt.Errorf("%w: group %q", ErrCyclicRef, c.Group.name())
	}
	return c.Group.evaluate(rec, visited)
}

// ConditionLink ties a condition into a group along with the operator
// joining it to the following condition. The last link's operator is
// unused and may be nil.
type ConditionLink struct {
	Condition Condition
	Operator  *Op
	Index     int
}

// ConditionGroup is an ordered boolean chain of conditions. Operator is
// the join operator used when this group itself sits inside a chain of
// groups (a model or field expression).
type ConditionGroup struct {
	ID       string
	Name     string
	Operator *Op
	Index    int
	Nested   bool
	Links    []ConditionLink
}

func (g *ConditionGroup) name() string {
	if g.Name != "" {
		return g.Name
	}
	return g.ID
}

// Evaluate runs the group against a record with a fresh visited set.
func (g *ConditionGroup) Evaluate(rec Record) (bool, error) {
	return g.evaluate(rec, map[string]bool{})
}

func (g *ConditionGroup) evaluate(rec Record, visited map[string]bool) (bool, error) {
	if visited[g.ID] {
		return false, fmt.Errorf("%w: group %q", ErrCyclicRef, g.name())
	}
	visited[g.ID] = true

	if len(g.Links) == 0 {
		return false, fmt.Errorf("%w: group %q", ErrNoConditions, g.name())
	}

	result, err := g.Links[0].Condition.Evaluate(rec, visited)
	if err != nil {
		return false, err
	}
	for i := 1; i < len(g.Links); i++ {
		op := g.Links[i-1].Operator
		if op == nil {
			return false, fmt.Errorf("%w: group %q position %d", ErrNoPreviousOperator, g.name(), i)
		}
		rhs, err := g.Links[i].Condition.Evaluate(rec, visited)
		if err != nil {
			return false, err
		}
		result, err = operate(*op, result, rhs)
		if err != nil {
			return false, err
		}
	}
	return result, nil
}

// AddCondition appends a condition joined to the next one by op. Pass a
// nil op for the final condition.
func (g *ConditionGroup) AddCondition(c Condition, op *Op) {
	g.Links = append(g.Links, ConditionLink{Condition: c, Operator: op, Index: len(g.Links)})
}

func operate(op Op, lhs, rhs bool) (bool, error) {
	switch op {
	case OpAnd:
		return lhs && rhs, nil
	case OpOr:
		return lhs || rhs, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidOperator, op)
	}
}

// valueExists reports presence: non-nil, and for text kinds non-empty.
func valueExists(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

// valuesEqual compares a record value against a condition operand in
// the field's canonical domain. A nil record value matches nothing.
func valuesEqual(kind Kind, v, operand any) bool {
	if v == nil || operand == nil {
		return v == nil && operand == nil
	}
	switch kind {
	case KindDecimal:
		a, aok := v.(decimal.Decimal)
		b, bok := operand.(decimal.Decimal)
		return aok && bok && a.Equal(b)
	case KindDate:
		a, aok := v.(time.Time)
		b, bok := operand.(time.Time)
		return aok && bok && a.Equal(b)
	default:
		return v == operand
	}
}
