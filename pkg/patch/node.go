package patch

import (
	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/oid"
)

// Node pairs an object or list value with the OID that identifies it. In a
// denormalized snapshot, Value is a map[string]any or []any whose nested
// objects are themselves *Node. A bare map or slice nested inside a Node
// is a new object that has not been assigned an OID yet.
type Node struct {
	OID   string
	Value any
}

// Object returns the node's fields, or nil when the node is not an object.
func (n *Node) Object() map[string]any {
	m, _ := n.Value.(map[string]any)
	return m
}

// List returns the node's items, or nil when the node is not a list.
func (n *Node) List() []any {
	l, _ := n.Value.([]any)
	return l
}

// Clone deep-copies the node tree, keeping OIDs.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	return &Node{OID: n.OID, Value: cloneTree(n.Value)}
}

func cloneTree(v any) any {
	switch t := v.(type) {
	case *Node:
		return t.Clone()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneTree(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneTree(e)
		}
		return out
	}
	return v
}

// Plain strips OIDs from a node tree, returning a bare JSON-shaped value.
func Plain(v any) any {
	switch t := v.(type) {
	case *Node:
		if t == nil {
			return nil
		}
		return Plain(t.Value)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Plain(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Plain(e)
		}
		return out
	}
	return v
}

// Walk visits n and every nested node, parents first.
func Walk(n *Node, fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	walkValue(n.Value, fn)
}

func walkValue(v any, fn func(*Node)) {
	switch t := v.(type) {
	case *Node:
		Walk(t, fn)
	case map[string]any:
		for _, k := range model.SortedKeys(t) {
			walkValue(t[k], fn)
		}
	case []any:
		for _, e := range t {
			walkValue(e, fn)
		}
	}
}

// Normalize flattens a node tree into OID -> view, replacing nested nodes
// with refs. Nested objects without an OID are assigned one with newSubID
// (oid.NewSubID when nil); the assignment is written back into the tree.
func Normalize(root *Node, newSubID func() string) map[string]any {
	if newSubID == nil {
		newSubID = oid.NewSubID
	}
	views := make(map[string]any)
	normalizeInto(root, views, newSubID)
	return views
}

func normalizeInto(n *Node, views map[string]any, newSubID func() string) {
	views[n.OID] = normalizeFields(n, views, newSubID)
}

func normalizeFields(n *Node, views map[string]any, newSubID func() string) any {
	child := func(key string, v any) (any, *Node) {
		c := asNode(n.OID, key, v, newSubID)
		if c == nil {
			return model.CloneValue(v), nil
		}
		normalizeInto(c, views, newSubID)
		return model.Ref{ID: c.OID}, c
	}
	switch t := n.Value.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			v, c := child(k, e)
			out[k] = v
			if c != nil {
				t[k] = c
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			v, c := child(oid.ListItemKey, e)
			out[i] = v
			if c != nil {
				t[i] = c
			}
		}
		return out
	}
	return model.CloneValue(n.Value)
}

// asNode returns v as a node, assigning an OID to bare containers and to
// nodes that lack one. Non-structured values return nil.
func asNode(parent, key string, v any, newSubID func() string) *Node {
	switch t := v.(type) {
	case *Node:
		if t == nil {
			return nil
		}
		if t.OID == "" {
			t.OID = oid.Child(parent, key, newSubID())
		}
		return t
	case map[string]any, []any:
		return &Node{OID: oid.Child(parent, key, newSubID()), Value: t}
	}
	return nil
}

// Denormalize rebuilds the node tree rooted at rootOID from a flat view
// map. Refs to missing nodes become nil. Returns nil when the root is
// missing or deleted.
func Denormalize(rootOID string, views map[string]any) *Node {
	return denormalize(rootOID, views, map[string]bool{})
}

func denormalize(id string, views map[string]any, visiting map[string]bool) *Node {
	view, ok := views[id]
	if !ok || view == nil || visiting[id] {
		return nil
	}
	visiting[id] = true
	defer delete(visiting, id)
	resolve := func(v any) any {
		if r, ok := v.(model.Ref); ok {
			if c := denormalize(r.ID, views, visiting); c != nil {
				return c
			}
			return nil
		}
		return model.CloneValue(v)
	}
	switch t := view.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = resolve(e)
		}
		return &Node{OID: id, Value: out}
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = resolve(e)
		}
		return &Node{OID: id, Value: out}
	}
	return &Node{OID: id, Value: model.CloneValue(view)}
}
