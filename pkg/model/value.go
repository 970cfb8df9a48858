package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

const refType = "ref"

// Ref points at another node by OID.
type Ref struct {
	ID string
}

type refJSON struct {
	Type string `json:"@@type"`
	ID   string `json:"id"`
}

func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(refJSON{Type: refType, ID: r.ID})
}

func (r *Ref) UnmarshalJSON(b []byte) error {
	var in refJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if in.Type != refType {
		return fmt.Errorf("not a ref: %s", b)
	}
	r.ID = in.ID
	return nil
}

// DecodeValue decodes JSON into a node value: nil, bool, float64, string,
// Ref, map[string]any or []any. Objects tagged as refs become Ref.
func DecodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return liftRefs(v), nil
}

// NormalizeValue converts a value produced by a generic JSON decode (as in
// message payloads decoded into any) into node form, lifting refs.
func NormalizeValue(v any) any { return liftRefs(v) }

func liftRefs(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t["@@type"] == refType {
			if id, ok := t["id"].(string); ok && len(t) == 2 {
				return Ref{ID: id}
			}
		}
		for k, e := range t {
			t[k] = liftRefs(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = liftRefs(e)
		}
		return t
	}
	return v
}

// CloneValue deep-copies a node value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = CloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	}
	return v
}

// IsNil reports whether v is the nil value. JSON null and absence are the
// same value for diffing and equality.
func IsNil(v any) bool { return v == nil }

// ValuesEqual compares node values structurally. Refs compare by target
// OID.
func ValuesEqual(a, b any) bool {
	switch at := a.(type) {
	case nil:
		return b == nil
	case Ref:
		bt, ok := b.(Ref)
		return ok && at.ID == bt.ID
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, e := range at {
			be, ok := bt[k]
			if !ok || !ValuesEqual(e, be) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !ValuesEqual(at[i], bt[i]) {
				return false
			}
		}
		return true
	case float64:
		return numberEqual(at, b)
	case int:
		return numberEqual(float64(at), b)
	case int64:
		return numberEqual(float64(at), b)
	}
	return a == b
}

func numberEqual(a float64, b any) bool {
	switch bt := b.(type) {
	case float64:
		return a == bt
	case int:
		return a == float64(bt)
	case int64:
		return a == float64(bt)
	}
	return false
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
