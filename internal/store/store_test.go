package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flexd/internal/flex"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A single connection keeps the in-memory database alive and
	// serializes writers the way the production pool does.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA foreign_keys=ON"); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}
	s := &Store{DB: db, Dialect: NewDialect("sqlite"), driver: "sqlite"}
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return s
}

// buildContractModel assembles a model exercising most of the graph:
// choices, description components, a model expression whose constant
// action is shared between the primary and alternate list, and an
// evaluated field with its own expression.
func buildContractModel(t *testing.T) *flex.Model {
	t.Helper()
	m := flex.NewModel("contract")

	firstName, err := m.AddField(&flex.Field{Kind: flex.KindText, VerboseName: "First Name", Required: true})
	if err != nil {
		t.Fatalf("add field: %v", err)
	}
	age, err := m.AddField(&flex.Field{Kind: flex.KindInteger, VerboseName: "Age"})
	if err != nil {
		t.Fatalf("add field: %v", err)
	}
	if _, err := m.AddField(&flex.Field{Kind: flex.KindDate, VerboseName: "Joined"}); err != nil {
		t.Fatalf("add field: %v", err)
	}
	tier, err := m.AddField(&flex.Field{Kind: flex.KindText, VerboseName: "Tier", FixedChoices: true, Dropdown: true})
	if err != nil {
		t.Fatalf("add field: %v", err)
	}
	for i, v := range []string{"Gold", "Silver"} {
		if _, err := tier.CreateChoice(v, i); err != nil {
			t.Fatalf("create choice: %v", err)
		}
	}
	score, err := m.AddField(&flex.Field{Kind: flex.KindInteger, VerboseName: "Score", Evaluated: true})
	if err != nil {
		t.Fatalf("add field: %v", err)
	}

	m.DescriptionComponents = []flex.DescriptionComponent{
		{Field: firstName, Index: 0},
		{Field: age, Index: 1},
	}

	always := &flex.ConditionGroup{ID: uuid.NewString(), Name: "always"}
	always.AddCondition(flex.TrueCondition{}, nil)
	shared := &flex.ReturnConstantAction{ID: uuid.NewString(), Kind: flex.KindText, Value: "ok"}
	audit := m.AddExpression(&flex.ModelExpression{Name: "audit"})
	audit.Groups = []*flex.ConditionGroup{always}
	audit.Actions = []flex.ActionLink{{Action: shared, Index: 0}}
	audit.AlternateActions = []flex.ActionLink{{Action: shared, Index: 0}}

	adult := &flex.ConditionGroup{ID: uuid.NewString(), Name: "adult"}
	adult.AddCondition(&flex.FieldCondition{
		ID: uuid.NewString(), Field: age, Comparator: flex.CmpMatches, Value: int64(30),
	}, nil)
	score.Expression = &flex.FieldExpression{
		ID:    uuid.NewString(),
		Name:  "score rule",
		Field: score,
		Groups: []*flex.ConditionGroup{adult},
		Actions: []flex.ActionLink{
			{Action: &flex.ReturnConstantAction{ID: uuid.NewString(), Kind: flex.KindInteger, Value: int64(7)}, Index: 0},
		},
		Default: &flex.ReturnConstantAction{ID: uuid.NewString(), Kind: flex.KindInteger, Value: int64(0)},
	}
	return m
}

func TestSaveLoadModel_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := buildContractModel(t)

	if err := s.SaveModel(ctx, src); err != nil {
		t.Fatalf("save: %v", err)
	}
	m, err := s.LoadModel(ctx, src.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if m.Name != "contract" || m.Ready {
		t.Fatalf("model header wrong: %s ready=%v", m.Name, m.Ready)
	}
	fields := m.Fields()
	if len(fields) != 5 {
		t.Fatalf("expected 5 fields, got %d", len(fields))
	}
	wantNames := []string{"first-name", "age", "joined", "tier", "score"}
	for i, want := range wantNames {
		if fields[i].Name != want {
			t.Fatalf("field %d: expected %s, got %s", i, want, fields[i].Name)
		}
	}

	tier, _ := m.FieldByName("tier")
	if len(tier.Choices) != 2 {
		t.Fatalf("expected 2 choices, got %d", len(tier.Choices))
	}
	if tier.Choices[0].Value != "Gold" || tier.Choices[0].Slug != "gold" {
		t.Fatalf("choice lost state: %v %s", tier.Choices[0].Value, tier.Choices[0].Slug)
	}

	if len(m.DescriptionComponents) != 2 {
		t.Fatalf("expected 2 description components, got %d", len(m.DescriptionComponents))
	}
	if m.DescriptionComponents[0].Field.Name != "first-name" {
		t.Fatalf("component order wrong: %s", m.DescriptionComponents[0].Field.Name)
	}

	if len(m.Expressions) != 1 {
		t.Fatalf("expected 1 expression, got %d", len(m.Expressions))
	}
	e := m.Expressions[0]
	if e.Name != "audit" || len(e.Groups) != 1 || len(e.Actions) != 1 || len(e.AlternateActions) != 1 {
		t.Fatalf("expression shape wrong: %+v", e)
	}

	score, _ := m.FieldByName("score")
	if score.Expression == nil || score.Expression.Default == nil {
		t.Fatal("field expression not restored")
	}
	if len(score.Expression.Groups) != 1 || len(score.Expression.Actions) != 1 {
		t.Fatalf("field expression shape wrong: %+v", score.Expression)
	}
}

func TestLoadModel_SharedActionStaysShared(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := buildContractModel(t)
	if err := s.SaveModel(ctx, src); err != nil {
		t.Fatalf("save: %v", err)
	}

	m, err := s.LoadModel(ctx, src.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	e := m.Expressions[0]
	if e.Actions[0].Action != e.AlternateActions[0].Action {
		t.Fatal("shared action split into two objects on reload")
	}
}

func TestLoadModel_BehavesLikeSource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := buildContractModel(t)
	if err := s.SaveModel(ctx, src); err != nil {
		t.Fatalf("save: %v", err)
	}

	m, err := s.LoadModel(ctx, src.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	in, err := m.CreateInstance(map[string]any{
		"first-name": "Ada",
		"age":        30,
		"joined":     "2024-03-15",
		"tier":       "gold",
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	proj, err := in.ToJSON(false)
	if err != nil {
		t.Fatalf("projection: %v", err)
	}
	if proj["score"] != int64(7) {
		t.Fatalf("evaluated field wrong after reload: %v", proj["score"])
	}
	if proj["tier"] != "Gold" {
		t.Fatalf("choice canonicalization lost: %v", proj["tier"])
	}
}

func TestLoadModelByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := buildContractModel(t)
	if err := s.SaveModel(ctx, src); err != nil {
		t.Fatalf("save: %v", err)
	}

	m, err := s.LoadModelByName(ctx, "contract")
	if err != nil {
		t.Fatalf("load by name: %v", err)
	}
	if m.ID != src.ID {
		t.Fatalf("expected %s, got %s", src.ID, m.ID)
	}
	if _, err := s.LoadModelByName(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveModel_DuplicateName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SaveModel(ctx, flex.NewModel("dup")); err != nil {
		t.Fatalf("save: %v", err)
	}
	err := s.SaveModel(ctx, flex.NewModel("dup"))
	if !errors.Is(err, ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation, got %v", err)
	}
}

func TestMarkReadyAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := buildContractModel(t)
	if err := s.SaveModel(ctx, src); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.MarkReady(ctx, src.ID); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	m, err := s.LoadModel(ctx, src.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !m.Ready {
		t.Fatal("model not marked ready")
	}

	if err := s.DeleteModel(ctx, src.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.LoadModel(ctx, src.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.MarkReady(ctx, src.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for vanished model, got %v", err)
	}
}

func TestCloneModel_Persisted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := buildContractModel(t)
	if err := s.SaveModel(ctx, src); err != nil {
		t.Fatalf("save: %v", err)
	}

	clone, err := s.CloneModel(ctx, src.ID, "contract-v2")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if clone.ID == src.ID {
		t.Fatal("clone kept the source id")
	}

	loaded, err := s.LoadModel(ctx, clone.ID)
	if err != nil {
		t.Fatalf("load clone: %v", err)
	}
	if loaded.Name != "contract-v2" || loaded.CopiedFrom != src.ID || loaded.Ready {
		t.Fatalf("clone header wrong: %+v", loaded)
	}
	if len(loaded.Fields()) != len(src.Fields()) {
		t.Fatalf("clone field count differs: %d vs %d", len(loaded.Fields()), len(src.Fields()))
	}

	if _, err := s.CloneModel(ctx, uuid.NewString(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing source, got %v", err)
	}
}

func TestInstance_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := buildContractModel(t)
	if err := s.SaveModel(ctx, m); err != nil {
		t.Fatalf("save model: %v", err)
	}

	in, err := m.CreateInstance(map[string]any{
		"first-name": "Ada",
		"age":        30,
		"joined":     "2024-03-15",
		"tier":       "Gold",
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if err := s.InsertInstance(ctx, in); err != nil {
		t.Fatalf("insert: %v", err)
	}

	back, err := s.GetInstance(ctx, m, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v, _ := back.Get("first-name"); v != "Ada" {
		t.Fatalf("text value lost: %v", v)
	}
	if v, _ := back.Get("age"); v != int64(30) {
		t.Fatalf("integer value lost: %v", v)
	}
	if v, _ := back.Get("joined"); !v.(time.Time).Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("date value lost: %v", v)
	}
	if cached, ok := back.CachedJSON(); !ok || cached["first-name"] != "Ada" {
		t.Fatalf("cached projection missing: %v", cached)
	}

	n, err := s.InstanceCount(ctx, m)
	if err != nil || n != 1 {
		t.Fatalf("expected count 1, got %d (%v)", n, err)
	}
	list, err := s.ListInstances(ctx, m)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 instance, got %d (%v)", len(list), err)
	}
}

func TestInstance_UpdateValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := buildContractModel(t)
	if err := s.SaveModel(ctx, m); err != nil {
		t.Fatalf("save model: %v", err)
	}
	in, err := m.CreateInstance(map[string]any{"first-name": "Ada", "age": 30})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if err := s.InsertInstance(ctx, in); err != nil {
		t.Fatalf("insert: %v", err)
	}

	updates := map[string]any{"age": 31, "joined": "2025-01-01"}
	if err := s.UpdateInstanceValues(ctx, in, updates, zap.NewNop()); err != nil {
		t.Fatalf("update: %v", err)
	}

	back, err := s.GetInstance(ctx, m, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v, _ := back.Get("age"); v != int64(31) {
		t.Fatalf("updated value lost: %v", v)
	}
	if v, ok := back.Get("joined"); !ok || !v.(time.Time).Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("new value not written: %v", v)
	}
	if cached, ok := back.CachedJSON(); !ok || cached["age"] != float64(31) {
		t.Fatalf("projection not refreshed: %v", cached)
	}
}

func TestInstance_UpdateValidationFailureWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := buildContractModel(t)
	if err := s.SaveModel(ctx, m); err != nil {
		t.Fatalf("save model: %v", err)
	}
	in, err := m.CreateInstance(map[string]any{"first-name": "Ada", "age": 30})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if err := s.InsertInstance(ctx, in); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = s.UpdateInstanceValues(ctx, in, map[string]any{"age": "not a number", "first-name": "Grace"}, zap.NewNop())
	if !flex.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	back, err := s.GetInstance(ctx, m, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v, _ := back.Get("first-name"); v != "Ada" {
		t.Fatalf("valid sibling field written despite failure: %v", v)
	}
	if v, _ := back.Get("age"); v != int64(30) {
		t.Fatalf("field changed despite failure: %v", v)
	}
}

func TestInstance_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := buildContractModel(t)
	if err := s.SaveModel(ctx, m); err != nil {
		t.Fatalf("save model: %v", err)
	}
	in, err := m.CreateInstance(map[string]any{"first-name": "Ada"})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if err := s.InsertInstance(ctx, in); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.DeleteInstance(ctx, in.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetInstance(ctx, m, in.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteInstance(ctx, in.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestBootstrap_SeedsAdminOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Bootstrap ran in newTestStore; run it again and count users.
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	row, err := QueryRow(ctx, s.DB, "SELECT COUNT(*) AS n FROM _users")
	if err != nil {
		t.Fatalf("count users: %v", err)
	}
	if intFrom(row["n"]) != 1 {
		t.Fatalf("expected exactly one seeded user, got %d", intFrom(row["n"]))
	}
}
