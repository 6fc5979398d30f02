package flex

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func opPtr(op Op) *Op { return &op }

func group(links ...ConditionLink) *ConditionGroup {
	return &ConditionGroup{ID: uuid.NewString(), Links: links}
}

func link(c Condition, op *Op) ConditionLink {
	return ConditionLink{Condition: c, Operator: op}
}

func TestGroupEvaluate_LeftToRightNoPrecedence(t *testing.T) {
	// true OR false AND false folds as (true OR false) AND false = false.
	// With precedence it would be true OR (false AND false) = true.
	g := group(
		link(TrueCondition{}, opPtr(OpOr)),
		link(FalseCondition{}, opPtr(OpAnd)),
		link(FalseCondition{}, nil),
	)
	got, err := g.Evaluate(ValueMap{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got {
		t.Fatal("expected false from left-to-right fold, got true")
	}
}

func TestGroupEvaluate_SingleCondition(t *testing.T) {
	g := group(link(TrueCondition{}, nil))
	got, err := g.Evaluate(ValueMap{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !got {
		t.Fatal("expected true")
	}
}

func TestGroupEvaluate_Empty(t *testing.T) {
	g := group()
	if _, err := g.Evaluate(ValueMap{}); !errors.Is(err, ErrNoConditions) {
		t.Fatalf("expected ErrNoConditions, got %v", err)
	}
}

func TestGroupEvaluate_MissingOperator(t *testing.T) {
	g := group(
		link(TrueCondition{}, nil),
		link(TrueCondition{}, nil),
	)
	if _, err := g.Evaluate(ValueMap{}); !errors.Is(err, ErrNoPreviousOperator) {
		t.Fatalf("expected ErrNoPreviousOperator, got %v", err)
	}
}

func TestGroupEvaluate_InvalidOperator(t *testing.T) {
	bad := Op("xor")
	g := group(
		link(TrueCondition{}, &bad),
		link(TrueCondition{}, nil),
	)
	if _, err := g.Evaluate(ValueMap{}); !errors.Is(err, ErrInvalidOperator) {
		t.Fatalf("expected ErrInvalidOperator, got %v", err)
	}
}

// countingCondition records how often it runs, to prove both operands
// of every fold step are computed.
type countingCondition struct {
	result bool
	calls  int
}

func (c *countingCondition) Evaluate(Record, map[string]bool) (bool, error) {
	c.calls++
	return c.result, nil
}

func TestGroupEvaluate_NoShortCircuit(t *testing.T) {
	tail := &countingCondition{result: false}
	g := group(
		link(TrueCondition{}, opPtr(OpOr)),
		link(tail, nil),
	)
	if _, err := g.Evaluate(ValueMap{}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if tail.calls != 1 {
		t.Fatalf("expected right operand to run despite true OR, calls = %d", tail.calls)
	}
}

func TestNestedGroups(t *testing.T) {
	inner := group(
		link(FalseCondition{}, opPtr(OpOr)),
		link(TrueCondition{}, nil),
	)
	inner.Nested = true
	outer := group(
		link(TrueCondition{}, opPtr(OpAnd)),
		link(&NestedGroupCondition{ID: uuid.NewString(), Group: inner}, nil),
	)
	got, err := outer.Evaluate(ValueMap{})
	if err != nil {
		t.Fatalf("evaluate nested: %v", err)
	}
	if !got {
		t.Fatal("expected true AND (false OR true) = true")
	}
}

func TestNestedGroups_CycleDetected(t *testing.T) {
	a := group()
	b := group()
	a.Links = []ConditionLink{link(&NestedGroupCondition{ID: uuid.NewString(), Group: b}, nil)}
	b.Links = []ConditionLink{link(&NestedGroupCondition{ID: uuid.NewString(), Group: a}, nil)}

	if _, err := a.Evaluate(ValueMap{}); !errors.Is(err, ErrCyclicRef) {
		t.Fatalf("expected ErrCyclicRef, got %v", err)
	}
}

func TestVisitedSet_FreshPerCall(t *testing.T) {
	g := group(link(TrueCondition{}, nil))
	for i := 0; i < 3; i++ {
		if _, err := g.Evaluate(ValueMap{}); err != nil {
			t.Fatalf("call %d: group flagged as visited across calls: %v", i, err)
		}
	}
}

func TestFieldCondition_Comparators(t *testing.T) {
	m := testModel(t, &Field{Kind: KindText, VerboseName: "Status"})
	f, _ := m.FieldByName("status")

	rec := ValueMap{"status": "open"}
	cases := []struct {
		cmp   Comparator
		value any
		rec   Record
		want  bool
	}{
		{CmpExists, nil, rec, true},
		{CmpExists, nil, ValueMap{}, false},
		{CmpExists, nil, ValueMap{"status": ""}, false},
		{CmpMatches, "open", rec, true},
		{CmpMatches, "closed", rec, false},
		{CmpMatches, "open", ValueMap{}, false},
		{CmpDoesNotMatch, "closed", rec, true},
		{CmpDoesNotMatch, "open", rec, false},
	}
	for i, tc := range cases {
		c := &FieldCondition{Field: f, Comparator: tc.cmp, Value: tc.value}
		got, err := c.Evaluate(tc.rec, nil)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if got != tc.want {
			t.Fatalf("case %d: expected %v, got %v", i, tc.want, got)
		}
	}
}

func TestHasAttributeCondition(t *testing.T) {
	m := testModel(t, &Field{Kind: KindText, VerboseName: "Title"})
	in, err := m.CreateInstance(map[string]any{"title": "x"})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	c := &HasAttributeCondition{Attribute: "id"}
	got, err := c.Evaluate(in, nil)
	if err != nil || !got {
		t.Fatalf("expected id attribute to exist, got %v / %v", got, err)
	}

	c = &HasAttributeCondition{Attribute: "nonexistent"}
	got, _ = c.Evaluate(in, nil)
	if got {
		t.Fatal("expected missing attribute to evaluate false")
	}
}
