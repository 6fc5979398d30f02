package flex

import (
	"errors"
	"fmt"
	"strings"
)

// Structural errors reported by condition and expression evaluation. These
// indicate a misconfigured rule graph, not bad user input.
var (
	ErrNoConditions        = errors.New("condition group has no conditions")
	ErrNoPreviousOperator  = errors.New("condition has no previous operator")
	ErrInvalidOperator     = errors.New("invalid boolean operator")
	ErrNoConditionGroups   = errors.New("expression has no condition groups")
	ErrCyclicRef           = errors.New("cyclic reference between condition groups")
	ErrActionCountMismatch = errors.New("condition group and action counts differ")
)

// ErrNoValue is returned by a field expression when no condition group
// matched and no default action is configured. It is distinct from an
// expression that successfully produced a nil value.
var ErrNoValue = errors.New("expression produced no value")

// ErrContract marks a programming error: an API used outside its contract,
// such as evaluating a non-evaluated field or storing a value on an
// evaluated one. Callers are not expected to recover from it.
var ErrContract = errors.New("contract violation")

// ErrModelBusy is returned when a clone cannot acquire the source model's
// row lock. The caller should retry rather than wait.
var ErrModelBusy = errors.New("model is locked by another operation")

// Clone errors.
var (
	ErrCloneFieldMissing  = errors.New("clone target has no field with this name")
	ErrCloneFieldMismatch = errors.New("clone target field has a different kind")
)

// FieldError is a single user-correctable validation failure.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationError aggregates per-field validation failures. It is the
// only error kind a caller should surface back to the submitting user.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		if fe.Field == "" {
			parts[i] = fe.Message
		} else {
			parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
		}
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a failure, skipping exact duplicates.
func (e *ValidationError) Add(field, message string) {
	for _, fe := range e.Errors {
		if fe.Field == field && fe.Message == message {
			return
		}
	}
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message})
}

// Merge folds another error into this one. Validation errors are
// absorbed detail by detail; anything else is returned unchanged.
func (e *ValidationError) Merge(err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		for _, fe := range ve.Errors {
			e.Add(fe.Field, fe.Message)
		}
		return nil
	}
	return err
}

// OrNil returns the error if it carries any failures, nil otherwise.
func (e *ValidationError) OrNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

func fieldError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: fmt.Sprintf(format, args...)}}}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
