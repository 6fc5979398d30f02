package flex

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"flexd/internal/metrics"
)

// Kind identifies one of the supported field types. The set is closed:
// new kinds are added here and in kindBehaviors, never at runtime.
type Kind string

const (
	KindText     Kind = "text"
	KindInteger  Kind = "integer"
	KindDecimal  Kind = "decimal"
	KindBoolean  Kind = "boolean"
	KindDate     Kind = "date"
	KindDuration Kind = "duration"
	KindEmail    Kind = "email"
)

// DateLayout is the external form of date values.
const DateLayout = "2006-01-02"

// decimalMaxDigits bounds the total digit count of a decimal value after
// rounding to three places. Trailing zeros introduced by the rounding
// count toward the limit.
const (
	decimalPlaces    = 3
	decimalMaxDigits = 10
)

// Field is one column of a Model. Name is derived from VerboseName and
// acts as the field's identity within the model; values, conditions and
// actions all reference fields by Name.
type Field struct {
	ID          string
	Model       *Model
	Kind        Kind
	Index       int
	Name        string
	VerboseName string
	Description string

	Required        bool
	Hidden          bool
	Evaluated       bool
	GenerateMetrics bool

	// Text presentation options.
	Dropdown     bool
	FixedChoices bool
	TextArea     bool

	Choices    []*FieldChoice
	Expression *FieldExpression
}

// behavior bundles the per-kind value handling used by Clean and the
// JSON projection.
type behavior struct {
	clean           func(f *Field, raw any, ignoreChoices bool) (any, error)
	toExternal      func(v any) any
	supportsChoices bool
}

var kindBehaviors = map[Kind]behavior{
	KindText:     {clean: cleanText, toExternal: externalIdentity, supportsChoices: true},
	KindEmail:    {clean: cleanEmail, toExternal: externalIdentity},
	KindInteger:  {clean: cleanInteger, toExternal: externalInteger},
	KindDecimal:  {clean: cleanDecimal, toExternal: externalDecimal},
	KindBoolean:  {clean: cleanBoolean, toExternal: externalIdentity},
	KindDate:     {clean: cleanDate, toExternal: externalDate},
	KindDuration: {clean: cleanDuration, toExternal: externalDuration},
}

// ValidKind reports whether k names a registered kind.
func ValidKind(k Kind) bool {
	_, ok := kindBehaviors[k]
	return ok
}

// Kinds returns the registered kinds in a stable order.
func Kinds() []Kind {
	return []Kind{KindText, KindInteger, KindDecimal, KindBoolean, KindDate, KindDuration, KindEmail}
}

// Clean validates and coerces a raw submitted value into the field's
// canonical in-memory form. A nil result means the value is absent.
// User-correctable problems come back as *ValidationError; anything
// else wraps ErrContract.
func (f *Field) Clean(raw any, ignoreChoices bool) (any, error) {
	b, ok := kindBehaviors[f.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown field kind %q", ErrContract, f.Kind)
	}
	v, err := b.clean(f, raw, ignoreChoices)
	if err != nil {
		return nil, err
	}
	if v == nil && f.Required && !f.Hidden {
		return nil, fieldError(f.Name, "This field is required.")
	}
	return v, nil
}

// ToExternal converts a canonical value into its wire form for the JSON
// projection. It never fails: values reaching it have been cleaned.
func (f *Field) ToExternal(v any) any {
	b, ok := kindBehaviors[f.Kind]
	if !ok {
		return v
	}
	return b.toExternal(v)
}

// SupportsChoices reports whether a fixed choice set may be attached.
// Only plain text fields qualify; text areas are free-form.
func (f *Field) SupportsChoices() bool {
	b, ok := kindBehaviors[f.Kind]
	return ok && b.supportsChoices && !f.TextArea
}

// Evaluate computes the value of an evaluated field against a record.
// Calling it on a stored field is a contract violation.
func (f *Field) Evaluate(rec Record) (any, error) {
	if !f.Evaluated {
		return nil, fmt.Errorf("%w: field %q is not evaluated", ErrContract, f.Name)
	}
	if f.Expression == nil {
		return nil, fmt.Errorf("%w: evaluated field %q has no expression", ErrContract, f.Name)
	}
	if f.GenerateMetrics {
		metrics.FieldEvaluations.WithLabelValues(f.modelName(), f.Name).Inc()
	}
	return f.Expression.Execute(rec)
}

func (f *Field) modelName() string {
	if f.Model == nil {
		return ""
	}
	return f.Model.Name
}

// --- text / email ---

func cleanText(f *Field, raw any, ignoreChoices bool) (any, error) {
	s, ok, err := stringValue(f, raw)
	if err != nil || !ok {
		return nil, err
	}
	if f.FixedChoices && len(f.Choices) > 0 && !ignoreChoices {
		for _, c := range f.Choices {
			cv, _ := c.Value.(string)
			if strings.EqualFold(cv, s) {
				return cv, nil
			}
		}
		return nil, fieldError(f.Name, "Value %q is not one of the available choices.", s)
	}
	return s, nil
}

func cleanEmail(f *Field, raw any, _ bool) (any, error) {
	s, ok, err := stringValue(f, raw)
	if err != nil || !ok {
		return nil, err
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return nil, fieldError(f.Name, "Enter a valid email address.")
	}
	return s, nil
}

func stringValue(f *Field, raw any) (string, bool, error) {
	if raw == nil {
		return "", false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", false, fmt.Errorf("%w: field %q expects a string, got %T", ErrContract, f.Name, raw)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false, nil
	}
	return s, true, nil
}

// --- integer ---

func cleanInteger(f *Field, raw any, _ bool) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return nil, fieldError(f.Name, "Enter a whole number.")
		}
		return int64(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fieldError(f.Name, "Enter a whole number.")
		}
		return n, nil
	default:
		return nil, fmt.Errorf("%w: field %q cannot accept %T", ErrContract, f.Name, raw)
	}
}

func externalInteger(v any) any {
	if v == nil {
		return int64(0)
	}
	return v
}

// --- decimal ---

func cleanDecimal(f *Field, raw any, _ bool) (any, error) {
	var d decimal.Decimal
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case decimal.Decimal:
		d = v
	case int:
		d = decimal.NewFromInt(int64(v))
	case int64:
		d = decimal.NewFromInt(v)
	case float64:
		d = decimal.NewFromFloat(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		var err error
		d, err = decimal.NewFromString(s)
		if err != nil {
			return nil, fieldError(f.Name, "Enter a number.")
		}
	default:
		return nil, fmt.Errorf("%w: field %q cannot accept %T", ErrContract, f.Name, raw)
	}

	d = d.Round(decimalPlaces)
	if decimalDigits(d) > decimalMaxDigits {
		return nil, fieldError(f.Name, "Ensure that there are no more than %d digits in total.", decimalMaxDigits)
	}
	return d, nil
}

// decimalDigits counts the digits of d as rendered with three decimal
// places, so 12345678 counts as 11 (12345678.000) and 9999999.999 as 10.
func decimalDigits(d decimal.Decimal) int {
	s := d.Abs().StringFixed(decimalPlaces)
	s = strings.Replace(s, ".", "", 1)
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return 1
	}
	return len(s)
}

func externalDecimal(v any) any {
	if v == nil {
		return nil
	}
	d, ok := v.(decimal.Decimal)
	if !ok {
		return v
	}
	f, _ := d.Float64()
	return f
}

// --- boolean ---

// cleanBoolean admits bools, nil, and the canonical string forms only.
// Any other input means a caller bug, not a user mistake.
func cleanBoolean(f *Field, raw any, _ bool) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "":
			return nil, nil
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("%w: field %q cannot interpret %q as a boolean", ErrContract, f.Name, v)
	default:
		return nil, fmt.Errorf("%w: field %q cannot accept %T", ErrContract, f.Name, raw)
	}
}

// --- date ---

func cleanDate(f *Field, raw any, _ bool) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return midnightUTC(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		t, err := time.Parse(DateLayout, s)
		if err != nil {
			return nil, fieldError(f.Name, "Enter a valid date.")
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: field %q cannot accept %T", ErrContract, f.Name, raw)
	}
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func externalDate(v any) any {
	if v == nil {
		return nil
	}
	t, ok := v.(time.Time)
	if !ok {
		return v
	}
	return t.Format(DateLayout)
}

// --- duration ---

func cleanDuration(f *Field, raw any, _ bool) (any, error) {
	var d time.Duration
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case time.Duration:
		d = v
	case int:
		d = time.Duration(v) * time.Second
	case int64:
		d = time.Duration(v) * time.Second
	case float64:
		d = time.Duration(v * float64(time.Second))
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		var err error
		d, err = parseClockDuration(s)
		if err != nil {
			return nil, fieldError(f.Name, "Enter a valid duration.")
		}
	default:
		return nil, fmt.Errorf("%w: field %q cannot accept %T", ErrContract, f.Name, raw)
	}
	if d < 0 {
		return nil, fieldError(f.Name, "Durations cannot be negative.")
	}
	return d, nil
}

// parseClockDuration accepts "HH:MM:SS", "D HH:MM:SS", and Go duration
// literals like "72h".
func parseClockDuration(s string) (time.Duration, error) {
	var days int
	clock := s
	if fields := strings.Fields(s); len(fields) == 2 {
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, fmt.Errorf("parse duration days: %w", err)
		}
		days = n
		clock = fields[1]
	}
	parts := strings.Split(clock, ":")
	if len(parts) == 3 {
		h, err1 := strconv.Atoi(parts[0])
		m, err2 := strconv.Atoi(parts[1])
		sec, err3 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return 0, fmt.Errorf("parse clock duration %q", s)
		}
		d := time.Duration(days)*24*time.Hour +
			time.Duration(h)*time.Hour +
			time.Duration(m)*time.Minute +
			time.Duration(sec)*time.Second
		return d, nil
	}
	if days != 0 {
		return 0, fmt.Errorf("parse clock duration %q", s)
	}
	return time.ParseDuration(s)
}

func externalDuration(v any) any {
	if v == nil {
		return nil
	}
	d, ok := v.(time.Duration)
	if !ok {
		return v
	}
	return int64(d / time.Second)
}

func externalIdentity(v any) any { return v }
