// Expression execution.
//
// A model expression folds its top-level condition groups left to right
// (the same chain semantics as conditions within a group) and then runs
// either its primary or its alternate action list, depending on the
// outcome. Every action in the chosen list runs; results are collected
// in order.
//
// A field expression pairs condition groups and actions positionally:
// group[i] guards action[i]. Groups are tried in order and the first
// one that holds decides the value; when none holds, an optional
// default action is consulted, and without one the expression fails
// with ErrNoValue. "No value" is a failure state, distinct from an
// action that successfully produced nil.
package flex

import (
	"fmt"

	"flexd/internal/metrics"
)

// ModelExpression is a record-level rule attached to a model. It runs
// on every submission during CleanValues.
type ModelExpression struct {
	ID    string
	Name  string
	Model *Model
	Index int

	Groups           []*ConditionGroup
	Actions          []ActionLink
	AlternateActions []ActionLink
}

// Execute evaluates the group chain and runs the selected action list,
// returning the values the actions produced.
func (e *ModelExpression) Execute(rec Record) ([]any, error) {
	matched, err := e.evaluateGroups(rec)
	if err != nil {
		return nil, err
	}
	metrics.RuleEvaluations.Inc()

	links := e.Actions
	if !matched {
		links = e.AlternateActions
	}
	var results []any
	for _, l := range links {
		v, err := l.Action.Execute(rec)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	return results, nil
}

func (e *ModelExpression) evaluateGroups(rec Record) (bool, error) {
	if len(e.Groups) == 0 {
		return false, fmt.Errorf("%w: expression %q", ErrNoConditionGroups, e.Name)
	}

	result, err := e.Groups[0].Evaluate(rec)
	if err != nil {
		return false, err
	}
	for i := 1; i < len(e.Groups); i++ {
		op := e.Groups[i-1].Operator
		if op == nil {
			return false, fmt.Errorf("%w: expression %q position %d", ErrNoPreviousOperator, e.Name, i)
		}
		rhs, err := e.Groups[i].Evaluate(rec)
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

// FieldExpression computes the value of a single evaluated field.
type FieldExpression struct {
	ID    string
	Name  string
	Field *Field

	Groups  []*ConditionGroup
	Actions []ActionLink
	Default Action
}

// Execute returns the value of the first action whose paired group
// holds, the default action's value when none does, or ErrNoValue.
func (e *FieldExpression) Execute(rec Record) (any, error) {
	if len(e.Groups) == 0 {
		return nil, fmt.Errorf("%w: expression %q", ErrNoConditionGroups, e.Name)
	}
	if len(e.Groups) != len(e.Actions) {
		return nil, fmt.Errorf("%w: expression %q has %d groups and %d actions",
			ErrActionCountMismatch, e.Name, len(e.Groups), len(e.Actions))
	}

	for i, g := range e.Groups {
		matched, err := g.Evaluate(rec)
		if err != nil {
			return nil, err
		}
		if matched {
			return e.Actions[i].Action.Execute(rec)
		}
	}

	if e.Default != nil {
		return e.Default.Execute(rec)
	}
	return nil, fmt.Errorf("%w: expression %q", ErrNoValue, e.Name)
}
