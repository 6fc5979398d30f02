package flex

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flexd/internal/metrics"
)

// ValueMap is a raw keyed value set acting as a Record during
// submission cleaning, before an Instance exists.
type ValueMap map[string]any

func (v ValueMap) Get(field string) (any, bool) {
	val, ok := v[field]
	return val, ok
}

func (v ValueMap) Attr(string) (any, bool) { return nil, false }

// Instance is one typed record of a model. Stored values cover the
// non-evaluated fields; evaluated fields are computed on projection.
type Instance struct {
	ID    string
	Model *Model

	values map[string]any
	// json is the cached external projection; nil means never built.
	json map[string]any
}

func newInstance(m *Model, values ValueMap) *Instance {
	in := &Instance{ID: uuid.NewString(), Model: m, values: map[string]any{}}
	for k, v := range values {
		in.values[k] = v
	}
	return in
}

// Restore rebuilds an instance from persisted state without running
// validation. Values must already be canonical.
func Restore(m *Model, id string, values map[string]any, cached map[string]any) *Instance {
	in := &Instance{ID: id, Model: m, values: map[string]any{}, json: cached}
	for k, v := range values {
		in.values[k] = v
	}
	return in
}

// Get returns the stored value under a field name. Evaluated fields
// never have an entry; their values come from the projection.
func (in *Instance) Get(field string) (any, bool) {
	v, ok := in.values[field]
	return v, ok
}

// storedValue reads the stored value of a field. Evaluated fields hold
// no stored values, so reading one is a contract violation.
func (in *Instance) storedValue(f *Field) (any, error) {
	if f.Evaluated {
		return nil, fmt.Errorf("%w: field %q is evaluated and holds no stored value", ErrContract, f.Name)
	}
	return in.values[f.Name], nil
}

// Attr exposes the instance's non-field attributes to rule conditions.
func (in *Instance) Attr(name string) (any, bool) {
	switch name {
	case "id":
		return in.ID, true
	case "model":
		return in.Model.Name, true
	case "description":
		d, ok := in.Description()
		if !ok {
			return nil, false
		}
		return d, true
	default:
		v, ok := in.values[name]
		return v, ok
	}
}

// Set cleans and stores a value on a non-evaluated field, invalidating
// the cached projection.
func (in *Instance) Set(field *Field, raw any) error {
	if field.Evaluated {
		return fmt.Errorf("%w: field %q is evaluated and cannot store values", ErrContract, field.Name)
	}
	v, err := field.Clean(raw, false)
	if err != nil {
		return err
	}
	in.setCanonical(field, v)
	return nil
}

func (in *Instance) setCanonical(field *Field, v any) {
	if v == nil {
		delete(in.values, field.Name)
	} else {
		in.values[field.Name] = v
	}
	in.json = nil
	if field.GenerateMetrics {
		metrics.FieldWrites.WithLabelValues(in.Model.Name, field.Name).Inc()
	}
}

// ToJSON returns the external projection of the instance: stored fields
// as their wire values, evaluated fields computed through their
// expressions. The result is cached; pass forceUpdate to rebuild.
func (in *Instance) ToJSON(forceUpdate bool) (map[string]any, error) {
	if in.json != nil && !forceUpdate {
		return in.json, nil
	}
	out := make(map[string]any, len(in.Model.fields))
	for _, f := range in.Model.Fields() {
		if f.Evaluated {
			v, err := f.Evaluate(in)
			if err != nil {
				return nil, fmt.Errorf("evaluate field %q: %w", f.Name, err)
			}
			out[f.Name] = f.ToExternal(v)
			continue
		}
		stored, err := in.storedValue(f)
		if err != nil {
			return nil, err
		}
		out[f.Name] = f.ToExternal(stored)
	}
	in.json = out
	return out, nil
}

// CachedJSON returns the cached projection without building one.
func (in *Instance) CachedJSON() (map[string]any, bool) {
	if in.json == nil {
		return nil, false
	}
	return in.json, true
}

// Description renders the model's description components against this
// instance in component order. Every component value is followed by a
// single space, trailing space included. The second return is false
// when the model defines no components.
func (in *Instance) Description() (string, bool) {
	comps := make([]DescriptionComponent, len(in.Model.DescriptionComponents))
	copy(comps, in.Model.DescriptionComponents)
	if len(comps) == 0 {
		return "", false
	}
	var b strings.Builder
	for _, c := range orderedComponents(comps) {
		v := in.values[c.Field.Name]
		if v != nil {
			fmt.Fprintf(&b, "%v", c.Field.ToExternal(v))
		}
		b.WriteByte(' ')
	}
	return b.String(), true
}

func orderedComponents(comps []DescriptionComponent) []DescriptionComponent {
	for i := 1; i < len(comps); i++ {
		for j := i; j > 0 && comps[j].Index < comps[j-1].Index; j-- {
			comps[j], comps[j-1] = comps[j-1], comps[j]
		}
	}
	return comps
}

// ToCSV renders the projection as one comma-separated line in field
// order, for export.
func (in *Instance) ToCSV() (string, error) {
	proj, err := in.ToJSON(false)
	if err != nil {
		return "", err
	}
	record := make([]string, 0, len(proj))
	for _, f := range in.Model.Fields() {
		v := proj[f.Name]
		if v == nil {
			record = append(record, "")
			continue
		}
		record = append(record, fmt.Sprintf("%v", v))
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(record); err != nil {
		return "", fmt.Errorf("write csv: %w", err)
	}
	w.Flush()
	return strings.TrimRight(buf.String(), "\n"), nil
}

// Equals compares two instances by projected content.
func (in *Instance) Equals(other *Instance) bool {
	if other == nil {
		return false
	}
	a, err1 := in.ToJSON(false)
	b, err2 := other.ToJSON(false)
	if err1 != nil || err2 != nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprintf("%v", v) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}

// ValueWriter persists single field values of an instance. The store
// implements it against the database; tests substitute failing fakes.
type ValueWriter interface {
	WriteValue(ctx context.Context, instanceID string, field *Field, value any) error
	DeleteValue(ctx context.Context, instanceID string, field *Field) error
}

// ApplyValues writes a multi-field edit through w, one field at a time.
// Each write is an independent statement; when one fails, the fields
// already written are compensated back to their captured original
// values before the original error is returned. Compensation is
// best-effort: a field deleted concurrently during rollback is restored
// rather than failing the rollback.
func ApplyValues(ctx context.Context, w ValueWriter, in *Instance, updates map[string]any, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.L()
	}

	var applied []appliedChange

	agg := &ValidationError{}
	cleaned := map[string]any{}
	for _, f := range in.Model.NonEvaluatedFields() {
		raw, ok := updates[f.Name]
		if !ok {
			continue
		}
		v, err := f.Clean(raw, false)
		if err != nil {
			if rest := agg.Merge(err); rest != nil {
				return rest
			}
			continue
		}
		cleaned[f.Name] = v
	}
	if err := agg.OrNil(); err != nil {
		return err
	}

	for _, f := range in.Model.NonEvaluatedFields() {
		v, ok := cleaned[f.Name]
		if !ok {
			continue
		}
		original, had := in.values[f.Name]

		var err error
		if v == nil {
			err = w.DeleteValue(ctx, in.ID, f)
		} else {
			err = w.WriteValue(ctx, in.ID, f, v)
		}
		if err != nil {
			revertValues(ctx, w, in, applied, logger)
			return fmt.Errorf("write field %q: %w", f.Name, err)
		}
		applied = append(applied, appliedChange{field: f, original: original, had: had})
		in.setCanonical(f, v)
	}
	return nil
}

type appliedChange struct {
	field    *Field
	original any
	had      bool
}

// revertValues undoes already-applied writes in reverse order. Errors
// during compensation are logged and skipped so every remaining field
// still gets its restore attempt.
func revertValues(ctx context.Context, w ValueWriter, in *Instance, applied []appliedChange, logger *zap.Logger) {
	for i := len(applied) - 1; i >= 0; i-- {
		ch := applied[i]
		var err error
		if ch.had {
			err = w.WriteValue(ctx, in.ID, ch.field, ch.original)
		} else {
			err = w.DeleteValue(ctx, in.ID, ch.field)
		}
		if err != nil {
			logger.Warn("rollback failed for field",
				zap.String("instance", in.ID),
				zap.String("field", ch.field.Name),
				zap.Error(err))
			continue
		}
		if ch.had {
			in.values[ch.field.Name] = ch.original
		} else {
			delete(in.values, ch.field.Name)
		}
		in.json = nil
	}
}
