// Wire encoding for the rule graph and field values.
//
// Field values persist as one TEXT column with a canonical string form
// per kind. Conditions and actions persist as JSON definition blobs
// with a type discriminator; fields are referenced by name and rebound
// against the owning model on load.
package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"flexd/internal/flex"
)

// encodeValue renders a canonical field value as its storage string.
func encodeValue(f *flex.Field, v any) (string, error) {
	switch f.Kind {
	case flex.KindText, flex.KindEmail:
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("encode %s value: expected string, got %T", f.Kind, v)
		}
		return s, nil
	case flex.KindInteger:
		n, ok := v.(int64)
		if !ok {
			return "", fmt.Errorf("encode integer value: got %T", v)
		}
		return strconv.FormatInt(n, 10), nil
	case flex.KindDecimal:
		d, ok := v.(decimal.Decimal)
		if !ok {
			return "", fmt.Errorf("encode decimal value: got %T", v)
		}
		return d.String(), nil
	case flex.KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("encode boolean value: got %T", v)
		}
		return strconv.FormatBool(b), nil
	case flex.KindDate:
		t, ok := v.(time.Time)
		if !ok {
			return "", fmt.Errorf("encode date value: got %T", v)
		}
		return t.Format(flex.DateLayout), nil
	case flex.KindDuration:
		d, ok := v.(time.Duration)
		if !ok {
			return "", fmt.Errorf("encode duration value: got %T", v)
		}
		return strconv.FormatInt(int64(d/time.Second), 10), nil
	default:
		return "", fmt.Errorf("encode value: unknown kind %q", f.Kind)
	}
}

// decodeValue parses a storage string back into the canonical form.
func decodeValue(f *flex.Field, s string) (any, error) {
	switch f.Kind {
	case flex.KindText, flex.KindEmail:
		return s, nil
	case flex.KindInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	case flex.KindDecimal:
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, err
		}
		return d, nil
	case flex.KindBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, err
		}
		return b, nil
	case flex.KindDate:
		t, err := time.Parse(flex.DateLayout, s)
		if err != nil {
			return nil, err
		}
		return t, nil
	case flex.KindDuration:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return time.Duration(n) * time.Second, nil
	default:
		return nil, fmt.Errorf("decode value: unknown kind %q", f.Kind)
	}
}

// conditionDef is the persisted shape of a condition.
type conditionDef struct {
	Type       string `json:"type"`
	Field      string `json:"field,omitempty"`
	Comparator string `json:"comparator,omitempty"`
	Value      string `json:"value,omitempty"`
	HasValue   bool   `json:"has_value,omitempty"`
	Attribute  string `json:"attribute,omitempty"`
	Group      string `json:"group,omitempty"`
}

const (
	condTrue   = "true"
	condFalse  = "false"
	condField  = "field"
	condAttr   = "has_attribute"
	condNested = "nested"
)

func encodeCondition(c flex.Condition) (string, error) {
	var def conditionDef
	switch v := c.(type) {
	case flex.TrueCondition:
		def.Type = condTrue
	case flex.FalseCondition:
		def.Type = condFalse
	case *flex.FieldCondition:
		def.Type = condField
		def.Field = v.Field.Name
		def.Comparator = string(v.Comparator)
		if v.Value != nil {
			s, err := encodeValue(v.Field, v.Value)
			if err != nil {
				return "", err
			}
			def.Value = s
			def.HasValue = true
		}
	case *flex.HasAttributeCondition:
		def.Type = condAttr
		def.Attribute = v.Attribute
	case *flex.NestedGroupCondition:
		def.Type = condNested
		def.Group = v.Group.ID
	default:
		return "", fmt.Errorf("encode condition: unknown type %T", c)
	}
	b, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("marshal condition: %w", err)
	}
	return string(b), nil
}

// decodeCondition rebuilds a condition. Nested references resolve
// through the groups map, which must contain every group of the model.
func decodeCondition(id, raw string, m *flex.Model, groups map[string]*flex.ConditionGroup) (flex.Condition, error) {
	var def conditionDef
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, fmt.Errorf("unmarshal condition %s: %w", id, err)
	}
	switch def.Type {
	case condTrue:
		return flex.TrueCondition{}, nil
	case condFalse:
		return flex.FalseCondition{}, nil
	case condField:
		f, ok := m.FieldByName(def.Field)
		if !ok {
			return nil, fmt.Errorf("condition %s references unknown field %q", id, def.Field)
		}
		var value any
		if def.HasValue {
			v, err := decodeValue(f, def.Value)
			if err != nil {
				return nil, fmt.Errorf("condition %s value: %w", id, err)
			}
			value = v
		}
		return &flex.FieldCondition{ID: id, Field: f, Comparator: flex.Comparator(def.Comparator), Value: value}, nil
	case condAttr:
		return &flex.HasAttributeCondition{ID: id, Attribute: def.Attribute}, nil
	case condNested:
		g, ok := groups[def.Group]
		if !ok {
			return nil, fmt.Errorf("condition %s references unknown group %q", id, def.Group)
		}
		return &flex.NestedGroupCondition{ID: id, Group: g}, nil
	default:
		return nil, fmt.Errorf("condition %s has unknown type %q", id, def.Type)
	}
}

// actionDef is the persisted shape of an action.
type actionDef struct {
	Type      string `json:"type"`
	Field     string `json:"field,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Value     string `json:"value,omitempty"`
	HasValue  bool   `json:"has_value,omitempty"`
	Attribute string `json:"attribute,omitempty"`
	Message   string `json:"message,omitempty"`
	Layout    string `json:"layout,omitempty"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
}

const (
	actShow     = "show_field"
	actHide     = "hide_field"
	actConstant = "return_constant"
	actAttr     = "return_attribute"
	actLog      = "log_message"
	actFormat   = "format_date"
	actDays     = "days_between"
)

func encodeAction(a flex.Action) (string, error) {
	var def actionDef
	switch v := a.(type) {
	case *flex.ShowFieldAction:
		def.Type = actShow
		def.Field = v.Field.Name
	case *flex.HideFieldAction:
		def.Type = actHide
		def.Field = v.Field.Name
	case *flex.ReturnConstantAction:
		def.Type = actConstant
		def.Kind = string(v.Kind)
		if v.Value != nil {
			s, err := encodeValue(&flex.Field{Kind: v.Kind}, v.Value)
			if err != nil {
				return "", err
			}
			def.Value = s
			def.HasValue = true
		}
	case *flex.ReturnAttributeAction:
		def.Type = actAttr
		def.Attribute = v.Attribute
	case *flex.LogMessageAction:
		def.Type = actLog
		def.Message = v.Message
	case *flex.FormatDateFieldAction:
		def.Type = actFormat
		def.Field = v.Field.Name
		def.Layout = v.Layout
	case *flex.DaysBetweenAction:
		def.Type = actDays
		def.Start = v.Start.Name
		def.End = v.End.Name
	default:
		return "", fmt.Errorf("encode action: unknown type %T", a)
	}
	b, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("marshal action: %w", err)
	}
	return string(b), nil
}

func decodeAction(id, raw string, m *flex.Model) (flex.Action, error) {
	var def actionDef
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, fmt.Errorf("unmarshal action %s: %w", id, err)
	}
	fieldByName := func(name string) (*flex.Field, error) {
		f, ok := m.FieldByName(name)
		if !ok {
			return nil, fmt.Errorf("action %s references unknown field %q", id, name)
		}
		return f, nil
	}
	switch def.Type {
	case actShow:
		f, err := fieldByName(def.Field)
		if err != nil {
			return nil, err
		}
		return &flex.ShowFieldAction{ID: id, Field: f}, nil
	case actHide:
		f, err := fieldByName(def.Field)
		if err != nil {
			return nil, err
		}
		return &flex.HideFieldAction{ID: id, Field: f}, nil
	case actConstant:
		kind := flex.Kind(def.Kind)
		var value any
		if def.HasValue {
			v, err := decodeValue(&flex.Field{Kind: kind}, def.Value)
			if err != nil {
				return nil, fmt.Errorf("action %s value: %w", id, err)
			}
			value = v
		}
		return &flex.ReturnConstantAction{ID: id, Kind: kind, Value: value}, nil
	case actAttr:
		return &flex.ReturnAttributeAction{ID: id, Attribute: def.Attribute}, nil
	case actLog:
		return &flex.LogMessageAction{ID: id, Message: def.Message}, nil
	case actFormat:
		f, err := fieldByName(def.Field)
		if err != nil {
			return nil, err
		}
		return &flex.FormatDateFieldAction{ID: id, Field: f, Layout: def.Layout}, nil
	case actDays:
		start, err := fieldByName(def.Start)
		if err != nil {
			return nil, err
		}
		end, err := fieldByName(def.End)
		if err != nil {
			return nil, err
		}
		return &flex.DaysBetweenAction{ID: id, Start: start, End: end}, nil
	default:
		return nil, fmt.Errorf("action %s has unknown type %q", id, def.Type)
	}
}
