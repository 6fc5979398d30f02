package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flexd/internal/flex"
)

// InsertInstance persists a new instance and its field values. The JSON
// projection is built eagerly so reads can serve the cached column.
func (s *Store) InsertInstance(ctx context.Context, in *flex.Instance) error {
	projection, err := in.ToJSON(false)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(projection)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"INSERT INTO _instances (id, model_id, json) VALUES (%s, %s, %s)",
		pb.Add(in.ID), pb.Add(in.Model.ID), pb.Add(string(blob)))
	if _, err := Exec(ctx, tx, sqlStr, pb.Params()...); err != nil {
		return MapError(s.Dialect, err)
	}

	for _, f := range in.Model.NonEvaluatedFields() {
		v, ok := in.Get(f.Name)
		if !ok {
			continue
		}
		encoded, err := encodeValue(f, v)
		if err != nil {
			return err
		}
		pb := s.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf(
			"INSERT INTO _field_instances (id, field_id, instance_id, value) VALUES (%s, %s, %s, %s)",
			pb.Add(uuid.NewString()), pb.Add(f.ID), pb.Add(in.ID), pb.Add(encoded))
		if _, err := Exec(ctx, tx, sqlStr, pb.Params()...); err != nil {
			return MapError(s.Dialect, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetInstance loads one instance of the given model, decoding each
// stored value back to its field's native type. The cached projection
// comes along so callers can skip re-evaluation.
func (s *Store) GetInstance(ctx context.Context, m *flex.Model, id string) (*flex.Instance, error) {
	pb := s.Dialect.NewParamBuilder()
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT id, json FROM _instances WHERE id = %s AND model_id = %s",
			pb.Add(id), pb.Add(m.ID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}

	values, err := s.loadInstanceValues(ctx, m, id)
	if err != nil {
		return nil, err
	}

	var cached map[string]any
	if blob := stringFrom(row["json"]); blob != "" {
		if err := json.Unmarshal([]byte(blob), &cached); err != nil {
			return nil, fmt.Errorf("unmarshal cached projection: %w", err)
		}
	}
	return flex.Restore(m, id, values, cached), nil
}

// ListInstances returns every instance of a model.
func (s *Store) ListInstances(ctx context.Context, m *flex.Model) ([]*flex.Instance, error) {
	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, s.DB,
		fmt.Sprintf("SELECT id FROM _instances WHERE model_id = %s ORDER BY created_at, id", pb.Add(m.ID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	var out []*flex.Instance
	for _, row := range rows {
		in, err := s.GetInstance(ctx, m, stringFrom(row["id"]))
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// InstanceCount reports how many instances a model has.
func (s *Store) InstanceCount(ctx context.Context, m *flex.Model) (int, error) {
	pb := s.Dialect.NewParamBuilder()
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT COUNT(*) AS n FROM _instances WHERE model_id = %s", pb.Add(m.ID)),
		pb.Params()...)
	if err != nil {
		return 0, err
	}
	return intFrom(row["n"]), nil
}

// DeleteInstance removes an instance and its values.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	pb := s.Dialect.NewParamBuilder()
	n, err := Exec(ctx, s.DB, fmt.Sprintf("DELETE FROM _instances WHERE id = %s", pb.Add(id)), pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveInstanceJSON refreshes the cached projection column.
func (s *Store) SaveInstanceJSON(ctx context.Context, in *flex.Instance) error {
	projection, err := in.ToJSON(true)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(projection)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("UPDATE _instances SET json = %s, updated_at = %s WHERE id = %s",
		pb.Add(string(blob)), s.Dialect.NowExpr(), pb.Add(in.ID))
	n, err := Exec(ctx, s.DB, sqlStr, pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateInstanceValues applies a multi-field edit through the
// compensating writer: validation runs up front, each value row is
// written in turn, and a failed write rolls the earlier ones back
// before the error is returned. On success the cached projection is
// rebuilt.
func (s *Store) UpdateInstanceValues(ctx context.Context, in *flex.Instance, updates map[string]any, logger *zap.Logger) error {
	w := &rowValueWriter{store: s}
	if err := flex.ApplyValues(ctx, w, in, updates, logger); err != nil {
		return err
	}
	return s.SaveInstanceJSON(ctx, in)
}

// rowValueWriter writes single field values as _field_instances rows.
// It implements flex.ValueWriter, which also makes it the rollback
// target when a later write in the same batch fails.
type rowValueWriter struct {
	store *Store
}

func (w *rowValueWriter) WriteValue(ctx context.Context, instanceID string, f *flex.Field, value any) error {
	encoded, err := encodeValue(f, value)
	if err != nil {
		return err
	}
	pb := w.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"UPDATE _field_instances SET value = %s WHERE field_id = %s AND instance_id = %s",
		pb.Add(encoded), pb.Add(f.ID), pb.Add(instanceID))
	n, err := Exec(ctx, w.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		return MapError(w.store.Dialect, err)
	}
	if n > 0 {
		return nil
	}
	pb = w.store.Dialect.NewParamBuilder()
	sqlStr = fmt.Sprintf(
		"INSERT INTO _field_instances (id, field_id, instance_id, value) VALUES (%s, %s, %s, %s)",
		pb.Add(uuid.NewString()), pb.Add(f.ID), pb.Add(instanceID), pb.Add(encoded))
	if _, err := Exec(ctx, w.store.DB, sqlStr, pb.Params()...); err != nil {
		return MapError(w.store.Dialect, err)
	}
	return nil
}

func (w *rowValueWriter) DeleteValue(ctx context.Context, instanceID string, f *flex.Field) error {
	pb := w.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"DELETE FROM _field_instances WHERE field_id = %s AND instance_id = %s",
		pb.Add(f.ID), pb.Add(instanceID))
	if _, err := Exec(ctx, w.store.DB, sqlStr, pb.Params()...); err != nil {
		return MapError(w.store.Dialect, err)
	}
	return nil
}

func (s *Store) loadInstanceValues(ctx context.Context, m *flex.Model, instanceID string) (map[string]any, error) {
	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, s.DB,
		fmt.Sprintf("SELECT field_id, value FROM _field_instances WHERE instance_id = %s", pb.Add(instanceID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	values := map[string]any{}
	for _, row := range rows {
		f, ok := m.FieldByID(stringFrom(row["field_id"]))
		if !ok {
			return nil, fmt.Errorf("stored value references unknown field %s", stringFrom(row["field_id"]))
		}
		v, err := decodeValue(f, stringFrom(row["value"]))
		if err != nil {
			return nil, fmt.Errorf("decode value for field %q: %w", f.Name, err)
		}
		values[f.Name] = v
	}
	return values, nil
}
