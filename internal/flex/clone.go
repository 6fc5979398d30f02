// Model cloning.
//
// Copy produces a fully independent deep clone of a model: fields with
// their choices and field expressions, description components, and
// model expressions with their whole condition graphs. Field references
// inside cloned conditions and actions are rebound by name to the
// cloned fields. Identity maps preserve sharing: an action linked from
// both the primary and alternate list of an expression stays one shared
// action in the clone, and a condition group referenced twice stays one
// group.
package flex

import (
	"fmt"

	"github.com/google/uuid"
)

// Copy deep-clones the model under the given name. An empty name
// defaults to "<name>_Copy". The clone starts not ready and records its
// origin in CopiedFrom.
func (m *Model) Copy(name string) (*Model, error) {
	if name == "" {
		name = m.Name + "_Copy"
	}
	dst := &Model{
		ID:         uuid.NewString(),
		Name:       name,
		CopiedFrom: m.ID,
	}
	cl := &cloner{
		dst:     dst,
		actions: map[Action]Action{},
		groups:  map[*ConditionGroup]*ConditionGroup{},
	}

	for _, f := range m.Fields() {
		dst.fields = append(dst.fields, cloneFieldShallow(f, dst))
	}
	for _, c := range m.DescriptionComponents {
		nf, err := cl.rebindField(c.Field)
		if err != nil {
			return nil, err
		}
		dst.DescriptionComponents = append(dst.DescriptionComponents, DescriptionComponent{Field: nf, Index: c.Index})
	}

	// Field expressions need every field in place before rebinding.
	for _, f := range m.Fields() {
		if f.Expression == nil {
			continue
		}
		nf, err := cl.rebindField(f)
		if err != nil {
			return nil, err
		}
		ne, err := cl.cloneFieldExpression(f.Expression, nf)
		if err != nil {
			return nil, err
		}
		nf.Expression = ne
	}

	for _, e := range m.Expressions {
		ne, err := cl.cloneModelExpression(e)
		if err != nil {
			return nil, err
		}
		dst.Expressions = append(dst.Expressions, ne)
	}
	return dst, nil
}

type cloner struct {
	dst     *Model
	actions map[Action]Action
	groups  map[*ConditionGroup]*ConditionGroup
}

func cloneFieldShallow(f *Field, dst *Model) *Field {
	nf := &Field{
		ID:              uuid.NewString(),
		Model:           dst,
		Kind:            f.Kind,
		Index:           f.Index,
		Name:            f.Name,
		VerboseName:     f.VerboseName,
		Description:     f.Description,
		Required:        f.Required,
		Hidden:          f.Hidden,
		Evaluated:       f.Evaluated,
		GenerateMetrics: f.GenerateMetrics,
		Dropdown:        f.Dropdown,
		FixedChoices:    f.FixedChoices,
		TextArea:        f.TextArea,
	}
	for _, c := range f.Choices {
		nf.Choices = append(nf.Choices, &FieldChoice{
			ID:    uuid.NewString(),
			Field: nf,
			Value: c.Value,
			Index: c.Index,
			Slug:  c.Slug,
		})
	}
	return nf
}

func (cl *cloner) rebindField(f *Field) (*Field, error) {
	nf, ok := cl.dst.FieldByName(f.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCloneFieldMissing, f.Name)
	}
	if nf.Kind != f.Kind {
		return nil, fmt.Errorf("%w: %q is %s, clone has %s", ErrCloneFieldMismatch, f.Name, f.Kind, nf.Kind)
	}
	return nf, nil
}

func (cl *cloner) cloneModelExpression(e *ModelExpression) (*ModelExpression, error) {
	ne := &ModelExpression{
		ID:    uuid.NewString(),
		Name:  e.Name,
		Model: cl.dst,
		Index: e.Index,
	}
	for _, g := range e.Groups {
		ng, err := cl.cloneGroup(g)
		if err != nil {
			return nil, err
		}
		ne.Groups = append(ne.Groups, ng)
	}
	var err error
	ne.Actions, err = cl.cloneActionLinks(e.Actions)
	if err != nil {
		return nil, err
	}
	ne.AlternateActions, err = cl.cloneActionLinks(e.AlternateActions)
	if err != nil {
		return nil, err
	}
	return ne, nil
}

func (cl *cloner) cloneFieldExpression(e *FieldExpression, nf *Field) (*FieldExpression, error) {
	ne := &FieldExpression{
		ID:    uuid.NewString(),
		Name:  e.Name,
		Field: nf,
	}
	for _, g := range e.Groups {
		ng, err := cl.cloneGroup(g)
		if err != nil {
			return nil, err
		}
		ne.Groups = append(ne.Groups, ng)
	}
	var err error
	ne.Actions, err = cl.cloneActionLinks(e.Actions)
	if err != nil {
		return nil, err
	}
	if e.Default != nil {
		ne.Default, err = cl.cloneAction(e.Default)
		if err != nil {
			return nil, err
		}
	}
	return ne, nil
}

func (cl *cloner) cloneActionLinks(links []ActionLink) ([]ActionLink, error) {
	var out []ActionLink
	for _, l := range links {
		na, err := cl.cloneAction(l.Action)
		if err != nil {
			return nil, err
		}
		out = append(out, ActionLink{Action: na, Index: l.Index})
	}
	return out, nil
}

// cloneGroup registers the clone before descending so a group reachable
// through itself maps back to the same clone instead of recursing.
func (cl *cloner) cloneGroup(g *ConditionGroup) (*ConditionGroup, error) {
	if ng, ok := cl.groups[g]; ok {
		return ng, nil
	}
	ng := &ConditionGroup{
		ID:       uuid.NewString(),
		Name:     g.Name,
		Operator: cloneOp(g.Operator),
		Index:    g.Index,
		Nested:   g.Nested,
	}
	cl.groups[g] = ng
	for _, l := range g.Links {
		nc, err := cl.cloneCondition(l.Condition)
		if err != nil {
			return nil, err
		}
		ng.Links = append(ng.Links, ConditionLink{Condition: nc, Operator: cloneOp(l.Operator), Index: l.Index})
	}
	return ng, nil
}

func (cl *cloner) cloneCondition(c Condition) (Condition, error) {
	switch v := c.(type) {
	case TrueCondition:
		return TrueCondition{}, nil
	case FalseCondition:
		return FalseCondition{}, nil
	case *FieldCondition:
		nf, err := cl.rebindField(v.Field)
		if err != nil {
			return nil, err
		}
		return &FieldCondition{ID: uuid.NewString(), Field: nf, Comparator: v.Comparator, Value: v.Value}, nil
	case *HasAttributeCondition:
		return &HasAttributeCondition{ID: uuid.NewString(), Attribute: v.Attribute}, nil
	case *NestedGroupCondition:
		ng, err := cl.cloneGroup(v.Group)
		if err != nil {
			return nil, err
		}
		return &NestedGroupCondition{ID: uuid.NewString(), Group: ng}, nil
	default:
		return nil, fmt.Errorf("%w: cannot clone condition %T", ErrContract, c)
	}
}

// cloneAction keeps shared actions shared: the first clone of an action
// is recorded and every later reference reuses it.
func (cl *cloner) cloneAction(a Action) (Action, error) {
	if na, ok := cl.actions[a]; ok {
		return na, nil
	}
	var na Action
	switch v := a.(type) {
	case *ShowFieldAction:
		nf, err := cl.rebindField(v.Field)
		if err != nil {
			return nil, err
		}
		na = &ShowFieldAction{ID: uuid.NewString(), Field: nf}
	case *HideFieldAction:
		nf, err := cl.rebindField(v.Field)
		if err != nil {
			return nil, err
		}
		na = &HideFieldAction{ID: uuid.NewString(), Field: nf}
	case *ReturnConstantAction:
		na = &ReturnConstantAction{ID: uuid.NewString(), Kind: v.Kind, Value: v.Value}
	case *ReturnAttributeAction:
		na = &ReturnAttributeAction{ID: uuid.NewString(), Attribute: v.Attribute}
	case *LogMessageAction:
		na = &LogMessageAction{ID: uuid.NewString(), Message: v.Message, Logger: v.Logger}
	case *FormatDateFieldAction:
		nf, err := cl.rebindField(v.Field)
		if err != nil {
			return nil, err
		}
		na = &FormatDateFieldAction{ID: uuid.NewString(), Field: nf, Layout: v.Layout}
	case *DaysBetweenAction:
		ns, err := cl.rebindField(v.Start)
		if err != nil {
			return nil, err
		}
		ne, err := cl.rebindField(v.End)
		if err != nil {
			return nil, err
		}
		na = &DaysBetweenAction{ID: uuid.NewString(), Start: ns, End: ne}
	default:
		return nil, fmt.Errorf("%w: cannot clone action %T", ErrContract, a)
	}
	cl.actions[a] = na
	return na, nil
}

func cloneOp(op *Op) *Op {
	if op == nil {
		return nil
	}
	o := *op
	return &o
}
