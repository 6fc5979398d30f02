package flex

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testModel(t *testing.T, fields ...*Field) *Model {
	t.Helper()
	m := NewModel("specimen")
	for _, f := range fields {
		if _, err := m.AddField(f); err != nil {
			t.Fatalf("add field %q: %v", f.VerboseName, err)
		}
	}
	return m
}

func TestDecimalClean_RoundsToThreePlaces(t *testing.T) {
	m := testModel(t, &Field{Kind: KindDecimal, VerboseName: "Amount"})
	f, _ := m.FieldByName("amount")

	v, err := f.Clean("1.23456", false)
	if err != nil {
		t.Fatalf("clean decimal: %v", err)
	}
	d := v.(decimal.Decimal)
	if d.String() != "1.235" {
		t.Fatalf("expected 1.235, got %s", d.String())
	}
}

func TestDecimalClean_DigitLimit(t *testing.T) {
	m := testModel(t, &Field{Kind: KindDecimal, VerboseName: "Amount"})
	f, _ := m.FieldByName("amount")

	// 9999999.999 is exactly ten digits after rounding: accepted.
	if _, err := f.Clean("9999999.999", false); err != nil {
		t.Fatalf("expected 9999999.999 to pass, got %v", err)
	}

	// 12345678 renders as 12345678.000, eleven digits: rejected.
	_, err := f.Clean("12345678", false)
	if err == nil {
		t.Fatal("expected 12345678 to fail the digit limit")
	}
	if !IsValidation(err) {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestBooleanClean_StrictStrings(t *testing.T) {
	m := testModel(t, &Field{Kind: KindBoolean, VerboseName: "Active"})
	f, _ := m.FieldByName("active")

	cases := map[string]any{"true": true, "FALSE": false, "": nil}
	for in, want := range cases {
		got, err := f.Clean(in, false)
		if err != nil {
			t.Fatalf("clean %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("clean %q: expected %v, got %v", in, want, got)
		}
	}

	_, err := f.Clean("yes", false)
	if !errors.Is(err, ErrContract) {
		t.Fatalf("expected contract violation for \"yes\", got %v", err)
	}
	_, err = f.Clean(1, false)
	if !errors.Is(err, ErrContract) {
		t.Fatalf("expected contract violation for int input, got %v", err)
	}
}

func TestRequiredField_AbsentValue(t *testing.T) {
	m := testModel(t, &Field{Kind: KindText, VerboseName: "Title", Required: true})
	f, _ := m.FieldByName("title")

	if _, err := f.Clean(nil, false); !IsValidation(err) {
		t.Fatalf("expected validation error for absent required value, got %v", err)
	}
	if _, err := f.Clean("  ", false); !IsValidation(err) {
		t.Fatalf("expected validation error for blank required value, got %v", err)
	}
}

func TestRequiredHiddenField_AbsentValueAllowed(t *testing.T) {
	m := testModel(t, &Field{Kind: KindText, VerboseName: "Title", Required: true, Hidden: true})
	f, _ := m.FieldByName("title")

	v, err := f.Clean(nil, false)
	if err != nil {
		t.Fatalf("hidden required field should accept absence: %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil, got %v", v)
	}
}

func TestDateClean(t *testing.T) {
	m := testModel(t, &Field{Kind: KindDate, VerboseName: "Start Date"})
	f, _ := m.FieldByName("start-date")

	v, err := f.Clean("2024-02-29", false)
	if err != nil {
		t.Fatalf("clean date: %v", err)
	}
	want := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	if !v.(time.Time).Equal(want) {
		t.Fatalf("expected %v, got %v", want, v)
	}

	if _, err := f.Clean("29/02/2024", false); !IsValidation(err) {
		t.Fatalf("expected validation error for bad date format, got %v", err)
	}

	if f.ToExternal(want) != "2024-02-29" {
		t.Fatalf("expected external 2024-02-29, got %v", f.ToExternal(want))
	}
}

func TestDurationClean(t *testing.T) {
	m := testModel(t, &Field{Kind: KindDuration, VerboseName: "Runtime"})
	f, _ := m.FieldByName("runtime")

	v, err := f.Clean("1 02:30:00", false)
	if err != nil {
		t.Fatalf("clean duration: %v", err)
	}
	if v.(time.Duration) != 26*time.Hour+30*time.Minute {
		t.Fatalf("expected 26h30m, got %v", v)
	}

	if _, err := f.Clean(-5, false); !IsValidation(err) {
		t.Fatalf("expected validation error for negative duration, got %v", err)
	}

	if got := f.ToExternal(90 * time.Second); got != int64(90) {
		t.Fatalf("expected 90 seconds, got %v", got)
	}
}

func TestIntegerExternal_NilIsZero(t *testing.T) {
	m := testModel(t, &Field{Kind: KindInteger, VerboseName: "Count"})
	f, _ := m.FieldByName("count")

	if got := f.ToExternal(nil); got != int64(0) {
		t.Fatalf("expected 0 for absent integer, got %v", got)
	}
}

func TestEmailClean(t *testing.T) {
	m := testModel(t, &Field{Kind: KindEmail, VerboseName: "Contact"})
	f, _ := m.FieldByName("contact")

	if _, err := f.Clean("ops@example.com", false); err != nil {
		t.Fatalf("clean email: %v", err)
	}
	if _, err := f.Clean("not-an-email", false); !IsValidation(err) {
		t.Fatalf("expected validation error for bad email, got %v", err)
	}
}

func TestTextChoices_CaseInsensitiveMatch(t *testing.T) {
	m := testModel(t, &Field{Kind: KindText, VerboseName: "Color", FixedChoices: true})
	f, _ := m.FieldByName("color")
	if _, err := f.CreateChoice("Red", 0); err != nil {
		t.Fatalf("create choice: %v", err)
	}
	if _, err := f.CreateChoice("Blue", 1); err != nil {
		t.Fatalf("create choice: %v", err)
	}

	v, err := f.Clean("RED", false)
	if err != nil {
		t.Fatalf("clean choice: %v", err)
	}
	if v != "Red" {
		t.Fatalf("expected canonical \"Red\", got %v", v)
	}

	if _, err := f.Clean("green", false); !IsValidation(err) {
		t.Fatalf("expected validation error for unknown choice, got %v", err)
	}

	// ignoreChoices bypasses the set entirely.
	v, err = f.Clean("green", true)
	if err != nil || v != "green" {
		t.Fatalf("expected raw value with choices ignored, got %v / %v", v, err)
	}
}

func TestChoices_OnlyOnPlainText(t *testing.T) {
	m := testModel(t,
		&Field{Kind: KindInteger, VerboseName: "Count"},
		&Field{Kind: KindText, VerboseName: "Notes", TextArea: true},
	)
	count, _ := m.FieldByName("count")
	notes, _ := m.FieldByName("notes")

	if _, err := count.CreateChoice(1, 0); !errors.Is(err, ErrContract) {
		t.Fatalf("expected contract violation for integer choices, got %v", err)
	}
	if _, err := notes.CreateChoice("a", 0); !errors.Is(err, ErrContract) {
		t.Fatalf("expected contract violation for text area choices, got %v", err)
	}
}

func TestChoiceSlug_Duplicate(t *testing.T) {
	m := testModel(t, &Field{Kind: KindText, VerboseName: "Color", FixedChoices: true})
	f, _ := m.FieldByName("color")
	if _, err := f.CreateChoice("Dark Red", 0); err != nil {
		t.Fatalf("create choice: %v", err)
	}
	if _, err := f.CreateChoice("dark red", 1); !IsValidation(err) {
		t.Fatalf("expected duplicate slug rejection, got %v", err)
	}
}
