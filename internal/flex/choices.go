package flex

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// FieldChoice is one allowed value of a text field with a fixed choice
// set. Slug is derived from the value and is unique within the field.
type FieldChoice struct {
	ID    string
	Field *Field
	Value any
	Index int
	Slug  string
}

// CreateChoice attaches a new choice to the field. The raw value is
// cleaned with the choice check suppressed, since the value being added
// is by definition not in the set yet.
func (f *Field) CreateChoice(raw any, index int) (*FieldChoice, error) {
	if !f.SupportsChoices() {
		return nil, fmt.Errorf("%w: field %q does not support choices", ErrContract, f.Name)
	}
	v, err := f.Clean(raw, true)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fieldError(f.Name, "Choice value cannot be empty.")
	}
	slug := Slugify(fmt.Sprintf("%v", v))
	for _, c := range f.Choices {
		if c.Slug == slug {
			return nil, fieldError(f.Name, "Choice %q already exists.", slug)
		}
	}
	choice := &FieldChoice{
		ID:    uuid.NewString(),
		Field: f,
		Value: v,
		Index: index,
		Slug:  slug,
	}
	f.Choices = append(f.Choices, choice)
	f.sortChoices()
	return choice, nil
}

// OrderedChoices returns the choices by Index, ties by value string.
func (f *Field) OrderedChoices() []*FieldChoice {
	out := make([]*FieldChoice, len(f.Choices))
	copy(out, f.Choices)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return fmt.Sprintf("%v", out[i].Value) < fmt.Sprintf("%v", out[j].Value)
	})
	return out
}

func (f *Field) sortChoices() {
	sort.SliceStable(f.Choices, func(i, j int) bool {
		if f.Choices[i].Index != f.Choices[j].Index {
			return f.Choices[i].Index < f.Choices[j].Index
		}
		return fmt.Sprintf("%v", f.Choices[i].Value) < fmt.Sprintf("%v", f.Choices[j].Value)
	})
}
