package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"flexd/internal/flex"
	"flexd/internal/metrics"
)

// SaveModel inserts a model and its whole rule graph in one
// transaction.
func (s *Store) SaveModel(ctx context.Context, m *flex.Model) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertModelGraph(ctx, tx, m); err != nil {
		return MapError(s.Dialect, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkReady flips a model to ready, allowing instances to be created.
func (s *Store) MarkReady(ctx context.Context, id string) error {
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("UPDATE _models SET ready = %s, updated_at = %s WHERE id = %s",
		pb.Add(true), s.Dialect.NowExpr(), pb.Add(id))
	n, err := Exec(ctx, s.DB, sqlStr, pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteModel removes a model; child rows go with it through the
// cascading foreign keys.
func (s *Store) DeleteModel(ctx context.Context, id string) error {
	pb := s.Dialect.NewParamBuilder()
	n, err := Exec(ctx, s.DB, fmt.Sprintf("DELETE FROM _models WHERE id = %s", pb.Add(id)), pb.Params()...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListModels returns every model, fully loaded.
func (s *Store) ListModels(ctx context.Context) ([]*flex.Model, error) {
	rows, err := QueryRows(ctx, s.DB, "SELECT id FROM _models ORDER BY name")
	if err != nil {
		return nil, err
	}
	var out []*flex.Model
	for _, row := range rows {
		m, err := s.LoadModel(ctx, stringFrom(row["id"]))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// LoadModel rebuilds the in-memory model graph from the database.
func (s *Store) LoadModel(ctx context.Context, id string) (*flex.Model, error) {
	return s.loadModel(ctx, s.DB, id)
}

// LoadModelByName resolves a model by its unique name.
func (s *Store) LoadModelByName(ctx context.Context, name string) (*flex.Model, error) {
	pb := s.Dialect.NewParamBuilder()
	row, err := QueryRow(ctx, s.DB, fmt.Sprintf("SELECT id FROM _models WHERE name = %s", pb.Add(name)), pb.Params()...)
	if err != nil {
		return nil, err
	}
	return s.LoadModel(ctx, stringFrom(row["id"]))
}

// CloneModel deep-copies a model inside one transaction. The source row
// is locked first; a concurrent clone of the same model fails
// immediately with flex.ErrModelBusy instead of queueing. Any failure
// rolls the whole clone back.
func (s *Store) CloneModel(ctx context.Context, id, name string) (*flex.Model, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var lockedID string
	if err := tx.QueryRowContext(ctx, s.Dialect.LockModelSQL(), id).Scan(&lockedID); err != nil {
		metrics.CloneOperations.WithLabelValues("busy").Inc()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, MapError(s.Dialect, err)
	}

	src, err := s.loadModel(ctx, tx, id)
	if err != nil {
		metrics.CloneOperations.WithLabelValues("error").Inc()
		return nil, err
	}
	dst, err := src.Copy(name)
	if err != nil {
		metrics.CloneOperations.WithLabelValues("error").Inc()
		return nil, err
	}
	if err := s.insertModelGraph(ctx, tx, dst); err != nil {
		metrics.CloneOperations.WithLabelValues("error").Inc()
		return nil, MapError(s.Dialect, err)
	}
	if err := tx.Commit(); err != nil {
		metrics.CloneOperations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("commit: %w", err)
	}
	metrics.CloneOperations.WithLabelValues("ok").Inc()
	return dst, nil
}

// AddField persists a field added to an already-saved model.
func (s *Store) AddField(ctx context.Context, m *flex.Model, f *flex.Field) error {
	if err := s.insertField(ctx, s.DB, m, f); err != nil {
		return MapError(s.Dialect, err)
	}
	return nil
}

// AddChoice persists a choice added to an already-saved field.
func (s *Store) AddChoice(ctx context.Context, f *flex.Field, c *flex.FieldChoice) error {
	value, err := encodeValue(f, c.Value)
	if err != nil {
		return err
	}
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"INSERT INTO _field_choices (id, field_id, value, idx, slug) VALUES (%s, %s, %s, %s, %s)",
		pb.Add(c.ID), pb.Add(f.ID), pb.Add(value), pb.Add(c.Index), pb.Add(c.Slug))
	if _, err := Exec(ctx, s.DB, sqlStr, pb.Params()...); err != nil {
		return MapError(s.Dialect, err)
	}
	return nil
}

// ModelIDForField resolves the owning model of a field.
func (s *Store) ModelIDForField(ctx context.Context, fieldID string) (string, error) {
	pb := s.Dialect.NewParamBuilder()
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT model_id FROM _fields WHERE id = %s", pb.Add(fieldID)),
		pb.Params()...)
	if err != nil {
		return "", err
	}
	return stringFrom(row["model_id"]), nil
}

// ModelIDForInstance resolves the owning model of an instance.
func (s *Store) ModelIDForInstance(ctx context.Context, instanceID string) (string, error) {
	pb := s.Dialect.NewParamBuilder()
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT model_id FROM _instances WHERE id = %s", pb.Add(instanceID)),
		pb.Params()...)
	if err != nil {
		return "", err
	}
	return stringFrom(row["model_id"]), nil
}

// --- graph insertion ---

func (s *Store) insertModelGraph(ctx context.Context, q Querier, m *flex.Model) error {
	pb := s.Dialect.NewParamBuilder()
	var copiedFrom any
	if m.CopiedFrom != "" {
		copiedFrom = m.CopiedFrom
	}
	sqlStr := fmt.Sprintf(
		"INSERT INTO _models (id, name, ready, copied_from) VALUES (%s, %s, %s, %s)",
		pb.Add(m.ID), pb.Add(m.Name), pb.Add(m.Ready), pb.Add(copiedFrom))
	if _, err := Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("insert model: %w", err)
	}

	for _, f := range m.Fields() {
		if err := s.insertField(ctx, q, m, f); err != nil {
			return err
		}
	}
	for _, c := range m.DescriptionComponents {
		pb := s.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf(
			"INSERT INTO _description_components (id, model_id, field_id, idx) VALUES (%s, %s, %s, %s)",
			pb.Add(uuid.NewString()), pb.Add(m.ID), pb.Add(c.Field.ID), pb.Add(c.Index))
		if _, err := Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("insert description component: %w", err)
		}
	}

	w := &graphWriter{store: s, q: q, model: m, actionIDs: map[flex.Action]string{}, groupsDone: map[string]bool{}}
	return w.writeExpressions(ctx)
}

func (s *Store) insertField(ctx context.Context, q Querier, m *flex.Model, f *flex.Field) error {
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`INSERT INTO _fields
		(id, model_id, kind, idx, name, verbose_name, description,
		 required, hidden, evaluated, generate_metrics, dropdown, fixed_choices, text_area)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(f.ID), pb.Add(m.ID), pb.Add(string(f.Kind)), pb.Add(f.Index),
		pb.Add(f.Name), pb.Add(f.VerboseName), pb.Add(f.Description),
		pb.Add(f.Required), pb.Add(f.Hidden), pb.Add(f.Evaluated),
		pb.Add(f.GenerateMetrics), pb.Add(f.Dropdown), pb.Add(f.FixedChoices), pb.Add(f.TextArea))
	if _, err := Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("insert field %q: %w", f.Name, err)
	}

	for _, c := range f.Choices {
		value, err := encodeValue(f, c.Value)
		if err != nil {
			return err
		}
		pb := s.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf(
			"INSERT INTO _field_choices (id, field_id, value, idx, slug) VALUES (%s, %s, %s, %s, %s)",
			pb.Add(c.ID), pb.Add(f.ID), pb.Add(value), pb.Add(c.Index), pb.Add(c.Slug))
		if _, err := Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("insert choice %q: %w", c.Slug, err)
		}
	}
	return nil
}

// graphWriter persists the expression graph. Actions are deduplicated
// by object identity so a shared action becomes one row with several
// link entries; groups are written once each, nested ones included.
type graphWriter struct {
	store      *Store
	q          Querier
	model      *flex.Model
	actionIDs  map[flex.Action]string
	groupsDone map[string]bool
}

func (w *graphWriter) writeExpressions(ctx context.Context) error {
	for _, e := range w.model.Expressions {
		pb := w.store.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf(
			"INSERT INTO _model_expressions (id, model_id, name, idx) VALUES (%s, %s, %s, %s)",
			pb.Add(e.ID), pb.Add(w.model.ID), pb.Add(e.Name), pb.Add(e.Index))
		if _, err := Exec(ctx, w.q, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("insert expression %q: %w", e.Name, err)
		}
		for i, g := range e.Groups {
			if err := w.writeGroup(ctx, g); err != nil {
				return err
			}
			if err := w.linkGroup(ctx, "_expression_groups", e.ID, g.ID, i); err != nil {
				return err
			}
		}
		if err := w.writeActionLinks(ctx, "_expression_actions", e.ID, "primary", e.Actions); err != nil {
			return err
		}
		if err := w.writeActionLinks(ctx, "_expression_actions", e.ID, "alternate", e.AlternateActions); err != nil {
			return err
		}
	}

	for _, f := range w.model.Fields() {
		e := f.Expression
		if e == nil {
			continue
		}
		pb := w.store.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf(
			"INSERT INTO _field_expressions (id, field_id, name) VALUES (%s, %s, %s)",
			pb.Add(e.ID), pb.Add(f.ID), pb.Add(e.Name))
		if _, err := Exec(ctx, w.q, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("insert field expression %q: %w", e.Name, err)
		}
		for i, g := range e.Groups {
			if err := w.writeGroup(ctx, g); err != nil {
				return err
			}
			if err := w.linkGroup(ctx, "_field_expression_groups", e.ID, g.ID, i); err != nil {
				return err
			}
		}
		if err := w.writeActionLinks(ctx, "_field_expression_actions", e.ID, "paired", e.Actions); err != nil {
			return err
		}
		if e.Default != nil {
			links := []flex.ActionLink{{Action: e.Default}}
			if err := w.writeActionLinks(ctx, "_field_expression_actions", e.ID, "default", links); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeGroup inserts a group and its conditions, recursing into nested
// groups first so their rows exist before the conditions that point at
// them.
func (w *graphWriter) writeGroup(ctx context.Context, g *flex.ConditionGroup) error {
	if w.groupsDone[g.ID] {
		return nil
	}
	w.groupsDone[g.ID] = true

	for _, l := range g.Links {
		if nested, ok := l.Condition.(*flex.NestedGroupCondition); ok {
			if err := w.writeGroup(ctx, nested.Group); err != nil {
				return err
			}
		}
	}

	pb := w.store.Dialect.NewParamBuilder()
	var operator any
	if g.Operator != nil {
		operator = string(*g.Operator)
	}
	sqlStr := fmt.Sprintf(
		"INSERT INTO _condition_groups (id, model_id, name, operator, idx, nested) VALUES (%s, %s, %s, %s, %s, %s)",
		pb.Add(g.ID), pb.Add(w.model.ID), pb.Add(g.Name), pb.Add(operator), pb.Add(g.Index), pb.Add(g.Nested))
	if _, err := Exec(ctx, w.q, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("insert condition group %q: %w", g.ID, err)
	}

	for i, l := range g.Links {
		def, err := encodeCondition(l.Condition)
		if err != nil {
			return err
		}
		var operator any
		if l.Operator != nil {
			operator = string(*l.Operator)
		}
		pb := w.store.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf(
			"INSERT INTO _conditions (id, group_id, idx, operator, definition) VALUES (%s, %s, %s, %s, %s)",
			pb.Add(conditionID(l.Condition)), pb.Add(g.ID), pb.Add(i), pb.Add(operator), pb.Add(def))
		if _, err := Exec(ctx, w.q, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("insert condition: %w", err)
		}
	}
	return nil
}

func (w *graphWriter) linkGroup(ctx context.Context, table, exprID, groupID string, idx int) error {
	pb := w.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"INSERT INTO %s (expression_id, group_id, idx) VALUES (%s, %s, %s)",
		table, pb.Add(exprID), pb.Add(groupID), pb.Add(idx))
	if _, err := Exec(ctx, w.q, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("link group: %w", err)
	}
	return nil
}

func (w *graphWriter) writeActionLinks(ctx context.Context, table, exprID, role string, links []flex.ActionLink) error {
	for i, l := range links {
		id, err := w.writeAction(ctx, l.Action)
		if err != nil {
			return err
		}
		pb := w.store.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf(
			"INSERT INTO %s (expression_id, action_id, role, idx) VALUES (%s, %s, %s, %s)",
			table, pb.Add(exprID), pb.Add(id), pb.Add(role), pb.Add(i))
		if _, err := Exec(ctx, w.q, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("link action: %w", err)
		}
	}
	return nil
}

func (w *graphWriter) writeAction(ctx context.Context, a flex.Action) (string, error) {
	if id, ok := w.actionIDs[a]; ok {
		return id, nil
	}
	id := actionID(a)
	def, err := encodeAction(a)
	if err != nil {
		return "", err
	}
	pb := w.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"INSERT INTO _actions (id, model_id, definition) VALUES (%s, %s, %s)",
		pb.Add(id), pb.Add(w.model.ID), pb.Add(def))
	if _, err := Exec(ctx, w.q, sqlStr, pb.Params()...); err != nil {
		return "", fmt.Errorf("insert action: %w", err)
	}
	w.actionIDs[a] = id
	return id, nil
}

func actionID(a flex.Action) string {
	var id string
	switch v := a.(type) {
	case *flex.ShowFieldAction:
		id = v.ID
	case *flex.HideFieldAction:
		id = v.ID
	case *flex.ReturnConstantAction:
		id = v.ID
	case *flex.ReturnAttributeAction:
		id = v.ID
	case *flex.LogMessageAction:
		id = v.ID
	case *flex.FormatDateFieldAction:
		id = v.ID
	case *flex.DaysBetweenAction:
		id = v.ID
	}
	if id == "" {
		id = uuid.NewString()
	}
	return id
}

func conditionID(c flex.Condition) string {
	var id string
	switch v := c.(type) {
	case *flex.FieldCondition:
		id = v.ID
	case *flex.HasAttributeCondition:
		id = v.ID
	case *flex.NestedGroupCondition:
		id = v.ID
	}
	if id == "" {
		id = uuid.NewString()
	}
	return id
}

// --- graph loading ---

func (s *Store) loadModel(ctx context.Context, q Querier, id string) (*flex.Model, error) {
	pb := s.Dialect.NewParamBuilder()
	row, err := QueryRow(ctx, q,
		fmt.Sprintf("SELECT id, name, ready, copied_from FROM _models WHERE id = %s", pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}

	m := flex.RestoreModel(stringFrom(row["id"]), stringFrom(row["name"]), boolFrom(row["ready"]), stringFrom(row["copied_from"]))

	if err := s.loadFields(ctx, q, m); err != nil {
		return nil, err
	}
	groups, err := s.loadGroups(ctx, q, m)
	if err != nil {
		return nil, err
	}
	if err := s.loadDescriptionComponents(ctx, q, m); err != nil {
		return nil, err
	}
	actions, err := s.loadActions(ctx, q, m)
	if err != nil {
		return nil, err
	}
	if err := s.loadModelExpressions(ctx, q, m, groups, actions); err != nil {
		return nil, err
	}
	if err := s.loadFieldExpressions(ctx, q, m, groups, actions); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) loadFields(ctx context.Context, q Querier, m *flex.Model) error {
	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, q,
		fmt.Sprintf("SELECT * FROM _fields WHERE model_id = %s ORDER BY idx, name", pb.Add(m.ID)),
		pb.Params()...)
	if err != nil {
		return err
	}
	for _, row := range rows {
		f := &flex.Field{
			ID:              stringFrom(row["id"]),
			Kind:            flex.Kind(stringFrom(row["kind"])),
			Index:           intFrom(row["idx"]),
			Name:            stringFrom(row["name"]),
			VerboseName:     stringFrom(row["verbose_name"]),
			Description:     stringFrom(row["description"]),
			Required:        boolFrom(row["required"]),
			Hidden:          boolFrom(row["hidden"]),
			Evaluated:       boolFrom(row["evaluated"]),
			GenerateMetrics: boolFrom(row["generate_metrics"]),
			Dropdown:        boolFrom(row["dropdown"]),
			FixedChoices:    boolFrom(row["fixed_choices"]),
			TextArea:        boolFrom(row["text_area"]),
		}
		m.RestoreField(f)

		cpb := s.Dialect.NewParamBuilder()
		crows, err := QueryRows(ctx, q,
			fmt.Sprintf("SELECT id, value, idx, slug FROM _field_choices WHERE field_id = %s ORDER BY idx, value", cpb.Add(f.ID)),
			cpb.Params()...)
		if err != nil {
			return err
		}
		for _, crow := range crows {
			v, err := decodeValue(f, stringFrom(crow["value"]))
			if err != nil {
				return fmt.Errorf("decode choice for field %q: %w", f.Name, err)
			}
			f.Choices = append(f.Choices, &flex.FieldChoice{
				ID:    stringFrom(crow["id"]),
				Field: f,
				Value: v,
				Index: intFrom(crow["idx"]),
				Slug:  stringFrom(crow["slug"]),
			})
		}
	}
	return nil
}

func (s *Store) loadDescriptionComponents(ctx context.Context, q Querier, m *flex.Model) error {
	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, q,
		fmt.Sprintf("SELECT field_id, idx FROM _description_components WHERE model_id = %s ORDER BY idx", pb.Add(m.ID)),
		pb.Params()...)
	if err != nil {
		return err
	}
	for _, row := range rows {
		f, ok := m.FieldByID(stringFrom(row["field_id"]))
		if !ok {
			return fmt.Errorf("description component references unknown field %s", stringFrom(row["field_id"]))
		}
		m.DescriptionComponents = append(m.DescriptionComponents, flex.DescriptionComponent{
			Field: f,
			Index: intFrom(row["idx"]),
		})
	}
	return nil
}

// loadGroups builds every condition group of the model in two passes:
// shells first so nested references resolve, then conditions.
func (s *Store) loadGroups(ctx context.Context, q Querier, m *flex.Model) (map[string]*flex.ConditionGroup, error) {
	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, q,
		fmt.Sprintf("SELECT id, name, operator, idx, nested FROM _condition_groups WHERE model_id = %s", pb.Add(m.ID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*flex.ConditionGroup, len(rows))
	for _, row := range rows {
		g := &flex.ConditionGroup{
			ID:     stringFrom(row["id"]),
			Name:   stringFrom(row["name"]),
			Index:  intFrom(row["idx"]),
			Nested: boolFrom(row["nested"]),
		}
		if op := stringFrom(row["operator"]); op != "" {
			o := flex.Op(op)
			g.Operator = &o
		}
		groups[g.ID] = g
	}

	for _, g := range groups {
		cpb := s.Dialect.NewParamBuilder()
		crows, err := QueryRows(ctx, q,
			fmt.Sprintf("SELECT id, idx, operator, definition FROM _conditions WHERE group_id = %s ORDER BY idx", cpb.Add(g.ID)),
			cpb.Params()...)
		if err != nil {
			return nil, err
		}
		for _, crow := range crows {
			cond, err := decodeCondition(stringFrom(crow["id"]), stringFrom(crow["definition"]), m, groups)
			if err != nil {
				return nil, err
			}
			var op *flex.Op
			if opStr := stringFrom(crow["operator"]); opStr != "" {
				o := flex.Op(opStr)
				op = &o
			}
			g.Links = append(g.Links, flex.ConditionLink{Condition: cond, Operator: op, Index: intFrom(crow["idx"])})
		}
	}
	return groups, nil
}

func (s *Store) loadActions(ctx context.Context, q Querier, m *flex.Model) (map[string]flex.Action, error) {
	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, q,
		fmt.Sprintf("SELECT id, definition FROM _actions WHERE model_id = %s", pb.Add(m.ID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	actions := make(map[string]flex.Action, len(rows))
	for _, row := range rows {
		id := stringFrom(row["id"])
		a, err := decodeAction(id, stringFrom(row["definition"]), m)
		if err != nil {
			return nil, err
		}
		actions[id] = a
	}
	return actions, nil
}

func (s *Store) loadModelExpressions(ctx context.Context, q Querier, m *flex.Model, groups map[string]*flex.ConditionGroup, actions map[string]flex.Action) error {
	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, q,
		fmt.Sprintf("SELECT id, name, idx FROM _model_expressions WHERE model_id = %s ORDER BY idx", pb.Add(m.ID)),
		pb.Params()...)
	if err != nil {
		return err
	}
	for _, row := range rows {
		e := &flex.ModelExpression{
			ID:    stringFrom(row["id"]),
			Name:  stringFrom(row["name"]),
			Model: m,
			Index: intFrom(row["idx"]),
		}
		e.Groups, err = s.loadLinkedGroups(ctx, q, "_expression_groups", e.ID, groups)
		if err != nil {
			return err
		}
		roles, err := s.loadLinkedActions(ctx, q, "_expression_actions", e.ID, actions)
		if err != nil {
			return err
		}
		e.Actions = roles["primary"]
		e.AlternateActions = roles["alternate"]
		m.Expressions = append(m.Expressions, e)
	}
	return nil
}

func (s *Store) loadFieldExpressions(ctx context.Context, q Querier, m *flex.Model, groups map[string]*flex.ConditionGroup, actions map[string]flex.Action) error {
	for _, f := range m.Fields() {
		pb := s.Dialect.NewParamBuilder()
		rows, err := QueryRows(ctx, q,
			fmt.Sprintf("SELECT id, name FROM _field_expressions WHERE field_id = %s", pb.Add(f.ID)),
			pb.Params()...)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			continue
		}
		row := rows[0]
		e := &flex.FieldExpression{
			ID:    stringFrom(row["id"]),
			Name:  stringFrom(row["name"]),
			Field: f,
		}
		e.Groups, err = s.loadLinkedGroups(ctx, q, "_field_expression_groups", e.ID, groups)
		if err != nil {
			return err
		}
		roles, err := s.loadLinkedActions(ctx, q, "_field_expression_actions", e.ID, actions)
		if err != nil {
			return err
		}
		e.Actions = roles["paired"]
		if defaults := roles["default"]; len(defaults) > 0 {
			e.Default = defaults[0].Action
		}
		f.Expression = e
	}
	return nil
}

func (s *Store) loadLinkedGroups(ctx context.Context, q Querier, table, exprID string, groups map[string]*flex.ConditionGroup) ([]*flex.ConditionGroup, error) {
	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, q,
		fmt.Sprintf("SELECT group_id, idx FROM %s WHERE expression_id = %s ORDER BY idx", table, pb.Add(exprID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	var out []*flex.ConditionGroup
	for _, row := range rows {
		g, ok := groups[stringFrom(row["group_id"])]
		if !ok {
			return nil, fmt.Errorf("expression %s references unknown group %s", exprID, stringFrom(row["group_id"]))
		}
		out = append(out, g)
	}
	return out, nil
}

// loadLinkedActions resolves action links by role. Links sharing an
// action id come back referencing the same object, which keeps the
// aliasing the writer recorded.
func (s *Store) loadLinkedActions(ctx context.Context, q Querier, table, exprID string, actions map[string]flex.Action) (map[string][]flex.ActionLink, error) {
	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, q,
		fmt.Sprintf("SELECT action_id, role, idx FROM %s WHERE expression_id = %s ORDER BY idx", table, pb.Add(exprID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	out := map[string][]flex.ActionLink{}
	for _, row := range rows {
		a, ok := actions[stringFrom(row["action_id"])]
		if !ok {
			return nil, fmt.Errorf("expression %s references unknown action %s", exprID, stringFrom(row["action_id"]))
		}
		role := stringFrom(row["role"])
		out[role] = append(out[role], flex.ActionLink{Action: a, Index: intFrom(row["idx"])})
	}
	for role := range out {
		links := out[role]
		sort.SliceStable(links, func(i, j int) bool { return links[i].Index < links[j].Index })
		out[role] = links
	}
	return out, nil
}
