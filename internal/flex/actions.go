package flex

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Action is one executable leaf of the rule graph. Execute may produce
// a value, perform a side effect, or assert a constraint on the record.
// Actions are independent of each other; one failing does not undo the
// values already produced by its predecessors.
type Action interface {
	Execute(rec Record) (any, error)
}

// ShowFieldAction asserts that a required field carries a value when a
// rule decides the field is shown. Failure is a validation error on the
// field, surfaced to the submitting user.
type ShowFieldAction struct {
	ID    string
	Field *Field
}

func (a *ShowFieldAction) Execute(rec Record) (any, error) {
	if !a.Field.Required {
		return nil, nil
	}
	v, _ := rec.Get(a.Field.Name)
	if !valueExists(v) {
		return nil, fieldError(a.Field.Name, "This field is required.")
	}
	return nil, nil
}

// HideFieldAction marks a field hidden for the current submission. The
// presence check is simply skipped; there is nothing to execute.
type HideFieldAction struct {
	ID    string
	Field *Field
}

func (a *HideFieldAction) Execute(Record) (any, error) { return nil, nil }

// ReturnConstantAction yields a literal already in the canonical form
// of the given kind.
type ReturnConstantAction struct {
	ID    string
	Kind  Kind
	Value any
}

func (a *ReturnConstantAction) Execute(Record) (any, error) { return a.Value, nil }

// ReturnAttributeAction yields a non-field attribute of the record.
type ReturnAttributeAction struct {
	ID        string
	Attribute string
}

func (a *ReturnAttributeAction) Execute(rec Record) (any, error) {
	v, ok := rec.Attr(a.Attribute)
	if !ok {
		return nil, nil
	}
	return v, nil
}

// LogMessageAction writes a message to the structured log and yields
// nothing. A nil Logger falls back to the process-wide logger.
type LogMessageAction struct {
	ID      string
	Message string
	Logger  *zap.Logger
}

func (a *LogMessageAction) Execute(Record) (any, error) {
	logger := a.Logger
	if logger == nil {
		logger = zap.L()
	}
	logger.Info("rule action", zap.String("message", a.Message))
	return nil, nil
}

// FormatDateFieldAction yields a date field rendered with a Go time
// layout. An absent date yields nil.
type FormatDateFieldAction struct {
	ID     string
	Field  *Field
	Layout string
}

func (a *FormatDateFieldAction) Execute(rec Record) (any, error) {
	v, _ := rec.Get(a.Field.Name)
	if v == nil {
		return nil, nil
	}
	t, ok := v.(time.Time)
	if !ok {
		return nil, fmt.Errorf("%w: field %q does not hold a date", ErrContract, a.Field.Name)
	}
	return t.Format(a.Layout), nil
}

// DaysBetweenAction yields the whole number of days from Start to End.
// Either date missing yields nil.
type DaysBetweenAction struct {
	ID    string
	Start *Field
	End   *Field
}

func (a *DaysBetweenAction) Execute(rec Record) (any, error) {
	sv, _ := rec.Get(a.Start.Name)
	ev, _ := rec.Get(a.End.Name)
	if sv == nil || ev == nil {
		return nil, nil
	}
	st, sok := sv.(time.Time)
	et, eok := ev.(time.Time)
	if !sok || !eok {
		return nil, fmt.Errorf("%w: days between non-date fields %q and %q", ErrContract, a.Start.Name, a.End.Name)
	}
	return int64(et.Sub(st).Hours() / 24), nil
}

// ActionLink orders an action within an expression. The same Action
// value may be linked from more than one position; expressions treat
// links as references, not copies.
type ActionLink struct {
	Action Action
	Index  int
}
