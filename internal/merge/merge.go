// Package merge reconciles body snapshots. It works on the generic JSON
// form of a body so the same rules apply to every kind and property.
package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Tree is the JSON object form of a body.
type Tree = map[string]any

// PendingUpdate is an optimistic override of one object's properties,
// honoured until Expiry.
type PendingUpdate struct {
	Expiry time.Time
	// ObjectKey is "<kind>.<id>", e.g. "shared.18B430".
	ObjectKey string
	Value     map[string]any
}

// ToTree converts v to its JSON object form. Numbers are kept as
// json.Number so integers survive the round trip.
func ToTree(v any) (Tree, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var t Tree
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode body tree: %w", err)
	}
	if t == nil {
		t = Tree{}
	}
	return t, nil
}

// FromTree decodes t into v.
func FromTree(t Tree, v any) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal body tree: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// Cumulative merges delta into state and returns state. Objects merge
// recursively, arrays gain only the elements they do not already hold,
// and everything else is overwritten. delta is never aliased.
func Cumulative(state, delta Tree) Tree {
	if state == nil {
		state = Tree{}
	}
	for k, dv := range delta {
		switch v := dv.(type) {
		case map[string]any:
			if sv, ok := state[k].(map[string]any); ok && sv != nil {
				state[k] = Cumulative(sv, v)
			} else {
				state[k] = deepCopy(v)
			}
		case []any:
			sv, _ := state[k].([]any)
			if sv == nil {
				sv = []any{}
			}
			for _, el := range v {
				if !contains(sv, el) {
					sv = append(sv, deepCopy(el))
				}
			}
			state[k] = sv
		default:
			state[k] = v
		}
	}
	return state
}

func contains(list []any, v any) bool {
	for _, el := range list {
		if reflect.DeepEqual(el, v) {
			return true
		}
	}
	return false
}

// Reconcile returns a deep copy of body with every unexpired pending
// update applied. An update only overwrites properties the target
// object already has; it never creates objects or properties.
func Reconcile(body Tree, pending []PendingUpdate, now time.Time) Tree {
	out := DeepCopy(body)
	for _, u := range pending {
		if !u.Expiry.After(now) {
			continue
		}
		kind, id, ok := strings.Cut(u.ObjectKey, ".")
		if !ok {
			continue
		}
		section, _ := out[kind].(map[string]any)
		target, _ := section[id].(map[string]any)
		if target == nil {
			continue
		}
		for key, value := range u.Value {
			if _, exists := target[key]; exists {
				target[key] = deepCopy(value)
			}
		}
	}
	return out
}

// DeepCopy copies t and everything beneath it.
func DeepCopy(t Tree) Tree {
	if t == nil {
		return nil
	}
	return deepCopy(t).(map[string]any)
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
