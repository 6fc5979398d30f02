package flex

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Model is an operator-defined schema: an ordered set of fields plus
// the rule graph that validates and derives values for its instances.
type Model struct {
	ID         string
	Name       string
	Ready      bool
	CopiedFrom string

	fields                []*Field
	DescriptionComponents []DescriptionComponent
	Expressions           []*ModelExpression
}

// DescriptionComponent marks a field whose value participates in the
// human-readable description of an instance, in Index order.
type DescriptionComponent struct {
	Field *Field
	Index int
}

// NewModel creates an empty, not-ready model.
func NewModel(name string) *Model {
	return &Model{ID: uuid.NewString(), Name: name}
}

// RestoreModel rehydrates a model shell from stored columns. Fields and
// expressions are attached separately by the loader.
func RestoreModel(id, name string, ready bool, copiedFrom string) *Model {
	return &Model{ID: id, Name: name, Ready: ready, CopiedFrom: copiedFrom}
}

// RestoreField attaches an already-persisted field as-is, without
// re-deriving its name or index.
func (m *Model) RestoreField(f *Field) {
	f.Model = m
	m.fields = append(m.fields, f)
}

// FieldByID finds a field by its primary key.
func (m *Model) FieldByID(id string) (*Field, bool) {
	for _, f := range m.fields {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// Fields returns the model's fields ordered by Index, ties broken by
// insertion order.
func (m *Model) Fields() []*Field {
	out := make([]*Field, len(m.fields))
	copy(out, m.fields)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// NonEvaluatedFields returns the stored (non-derived) fields in order.
func (m *Model) NonEvaluatedFields() []*Field {
	var out []*Field
	for _, f := range m.Fields() {
		if !f.Evaluated {
			out = append(out, f)
		}
	}
	return out
}

// FieldByName finds a field by its slug name.
func (m *Model) FieldByName(name string) (*Field, bool) {
	for _, f := range m.fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// AddField attaches a field to the model, deriving its Name from the
// verbose name and assigning the next index when none is set.
func (m *Model) AddField(f *Field) (*Field, error) {
	if !ValidKind(f.Kind) {
		return nil, fmt.Errorf("%w: unknown field kind %q", ErrContract, f.Kind)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Name = Slugify(f.VerboseName)
	if f.Name == "" {
		return nil, fieldError("verbose_name", "Field name cannot be empty.")
	}
	if _, exists := m.FieldByName(f.Name); exists {
		return nil, fieldError("verbose_name", "A field named %q already exists.", f.Name)
	}
	if f.Index == 0 && len(m.fields) > 0 {
		f.Index = m.fields[len(m.fields)-1].Index + 1
	}
	f.Model = m
	m.fields = append(m.fields, f)
	return f, nil
}

// AddExpression attaches a model expression in the next position.
func (m *Model) AddExpression(e *ModelExpression) *ModelExpression {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Model = m
	e.Index = len(m.Expressions)
	m.Expressions = append(m.Expressions, e)
	return e
}

// Compatible reports whether other has exactly the same field names and
// kinds. Compatible models can exchange positional value lists.
func (m *Model) Compatible(other *Model) bool {
	if other == nil || len(m.fields) != len(other.fields) {
		return false
	}
	for _, f := range m.fields {
		of, ok := other.FieldByName(f.Name)
		if !ok || of.Kind != f.Kind {
			return false
		}
	}
	return true
}

// CleanValues runs every model expression against a raw submission.
// Expressions see the submitted values through the Record interface;
// validation failures from their actions are aggregated per field.
func (m *Model) CleanValues(values ValueMap) error {
	agg := &ValidationError{}
	for _, e := range m.Expressions {
		if _, err := e.Execute(values); err != nil {
			if rest := agg.Merge(err); rest != nil {
				return rest
			}
		}
	}
	return agg.OrNil()
}

// CreateInstance cleans a keyed value map and builds an instance from
// it. All field validations and model expressions must pass.
func (m *Model) CreateInstance(values map[string]any) (*Instance, error) {
	cleaned := ValueMap{}
	agg := &ValidationError{}
	for _, f := range m.NonEvaluatedFields() {
		v, err := f.Clean(values[f.Name], false)
		if err != nil {
			if rest := agg.Merge(err); rest != nil {
				return nil, rest
			}
			continue
		}
		if v != nil {
			cleaned[f.Name] = v
		}
	}
	if err := agg.OrNil(); err != nil {
		return nil, err
	}
	if err := m.CleanValues(cleaned); err != nil {
		return nil, err
	}
	return newInstance(m, cleaned), nil
}

// CreateInstanceFromValues builds an instance from a positional value
// list covering the non-evaluated fields in order. Used for bulk
// ingestion between compatible models.
func (m *Model) CreateInstanceFromValues(values []any, ignoreChoices bool) (*Instance, error) {
	fields := m.NonEvaluatedFields()
	if len(values) != len(fields) {
		return nil, fieldError("", "Expected %d values, got %d.", len(fields), len(values))
	}
	cleaned := ValueMap{}
	agg := &ValidationError{}
	for i, f := range fields {
		v, err := f.Clean(values[i], ignoreChoices)
		if err != nil {
			if rest := agg.Merge(err); rest != nil {
				return nil, rest
			}
			continue
		}
		if v != nil {
			cleaned[f.Name] = v
		}
	}
	if err := agg.OrNil(); err != nil {
		return nil, err
	}
	if err := m.CleanValues(cleaned); err != nil {
		return nil, err
	}
	return newInstance(m, cleaned), nil
}

// Slugify derives a field's identity name from its verbose name:
// lower-cased, runs of non-alphanumerics collapsed to single hyphens.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
