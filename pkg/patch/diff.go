package patch

import (
	"fmt"

	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/oid"
)

// DiffOptions configures Diff.
type DiffOptions struct {
	// Now issues the timestamp for each emitted operation. Required.
	Now func() string
	// NewSubID assigns sub-ids to new nested objects. Defaults to oid.NewSubID.
	NewSubID func() string
	// Merge keeps keys missing from the target instead of removing them,
	// and skips keys whose target value is nil.
	Merge bool
	// Authz is attached to every emitted operation.
	Authz string
}

type differ struct {
	opts    DiffOptions
	ops     []model.Operation
	known   map[string]*Node // nodes of the source tree, by OID
	alive   map[string]bool  // OIDs reachable from the target tree
	deleted map[string]bool
	flat    bool // values are normalized views; never create nested nodes
}

// Diff computes the operations that transform from into to. Both trees
// must denote the same document node; a target without an OID takes the
// source's. A nil from initializes the whole target; a nil to deletes the
// whole source.
//
// Lists are diffed in one pass with a lookback of one item, so degenerate
// reorderings yield list-set patches rather than a minimal edit script.
func Diff(from, to *Node, opts DiffOptions) ([]model.Operation, error) {
	if opts.Now == nil {
		return nil, fmt.Errorf("diff: %w: Now is required", model.ErrConfiguration)
	}
	if opts.NewSubID == nil {
		opts.NewSubID = oid.NewSubID
	}
	if from == nil && to == nil {
		return nil, nil
	}
	if from != nil && to != nil {
		if to.OID == "" {
			to.OID = from.OID
		}
		if to.OID != from.OID {
			return nil, fmt.Errorf("diff: identity mismatch %q != %q", from.OID, to.OID)
		}
	}
	d := newDiffer(opts)
	Walk(from, func(n *Node) { d.known[n.OID] = n })
	Walk(to, func(n *Node) {
		if n.OID != "" {
			d.alive[n.OID] = true
		}
	})
	switch {
	case from == nil:
		d.initialize(to)
	case to == nil:
		d.deleteTree(from)
	default:
		d.diffNode(from.OID, from.Value, to.Value)
	}
	return d.ops, nil
}

// DiffViews computes the patches turning one normalized view of id into
// another. Refs compare by target OID and are never recursed into.
func DiffViews(id string, from, to any, opts DiffOptions) ([]model.Operation, error) {
	if opts.Now == nil {
		return nil, fmt.Errorf("diff: %w: Now is required", model.ErrConfiguration)
	}
	if opts.NewSubID == nil {
		opts.NewSubID = oid.NewSubID
	}
	d := newDiffer(opts)
	d.flat = true
	d.diffNode(id, from, to)
	return d.ops, nil
}

func newDiffer(opts DiffOptions) *differ {
	return &differ{
		opts:    opts,
		known:   map[string]*Node{},
		alive:   map[string]bool{},
		deleted: map[string]bool{},
	}
}

func (d *differ) emit(id string, p model.Patch) {
	d.ops = append(d.ops, model.Operation{
		OID:       id,
		Timestamp: d.opts.Now(),
		Data:      p,
		Authz:     d.opts.Authz,
	})
}

func (d *differ) diffNode(id string, from, to any) {
	switch {
	case from == nil && to == nil:
		return
	case to == nil:
		d.emit(id, model.Delete())
		return
	}
	fromObj, fromIsObj := from.(map[string]any)
	toObj, toIsObj := to.(map[string]any)
	if fromIsObj && toIsObj {
		d.diffObject(id, fromObj, toObj)
		return
	}
	fromList, fromIsList := from.([]any)
	toList, toIsList := to.([]any)
	if fromIsList && toIsList {
		d.diffList(id, fromList, toList)
		return
	}
	// The node changed kind (or did not exist): start it over.
	d.initialize(&Node{OID: id, Value: to})
	d.deleteChildren(from)
}

func (d *differ) diffObject(id string, from, to map[string]any) {
	for _, key := range model.SortedKeys(to) {
		tv := to[key]
		if d.opts.Merge && tv == nil {
			continue
		}
		fv, present := from[key]
		if !present {
			d.emit(id, model.Set(key, d.child(id, key, tv)))
			continue
		}
		if identityEqual(fv, tv) {
			d.recurse(fv, tv)
			continue
		}
		d.emit(id, model.Set(key, d.child(id, key, tv)))
		d.deleteTree(fv)
	}
	if d.opts.Merge {
		return
	}
	for _, key := range model.SortedKeys(from) {
		if _, ok := to[key]; ok {
			continue
		}
		d.emit(id, model.Remove(key))
		d.deleteTree(from[key])
	}
}

func (d *differ) diffList(id string, from, to []any) {
	shadow := append([]any(nil), from...)
	for i, tv := range to {
		if i >= len(shadow) {
			d.emit(id, model.ListPush(d.child(id, oid.ListItemKey, tv)))
			shadow = append(shadow, tv)
			continue
		}
		fv := shadow[i]
		if identityEqual(fv, tv) {
			d.recurse(fv, tv)
			continue
		}
		// tv is new here; if the current item reappears right after it,
		// this was an insertion and the rest of the list stays aligned.
		if i+1 < len(to) && identityEqual(fv, to[i+1]) {
			d.emit(id, model.ListInsert(i, d.child(id, oid.ListItemKey, tv)))
			shadow = insertAt(shadow, i, tv)
			continue
		}
		d.emit(id, model.ListSet(i, d.child(id, oid.ListItemKey, tv)))
		shadow[i] = tv
		d.deleteTree(fv)
	}
	if len(shadow) > len(to) {
		removed := shadow[len(to):]
		d.emit(id, model.ListDelete(len(to), len(removed)))
		for _, v := range removed {
			d.deleteTree(v)
		}
	}
}

func (d *differ) recurse(fv, tv any) {
	fn, ok1 := fv.(*Node)
	tn, ok2 := tv.(*Node)
	if ok1 && ok2 {
		d.diffNode(fn.OID, fn.Value, tn.Value)
	}
}

// child returns the value to store for v under key of parent, emitting
// the operations that create v's subtree when v is structured.
func (d *differ) child(parent, key string, v any) any {
	if d.flat {
		return model.CloneValue(v)
	}
	n := asNode(parent, key, v, d.opts.NewSubID)
	if n == nil {
		return model.CloneValue(v)
	}
	d.alive[n.OID] = true
	if prev, ok := d.known[n.OID]; ok {
		// An existing object moved here: diff it rather than recreating it.
		d.diffNode(n.OID, prev.Value, n.Value)
	} else {
		d.initialize(n)
	}
	return model.Ref{ID: n.OID}
}

// initialize emits initialize operations for n and all nested objects,
// children first.
func (d *differ) initialize(n *Node) {
	var value any
	switch t := n.Value.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for _, k := range model.SortedKeys(t) {
			out[k] = d.child(n.OID, k, t[k])
		}
		value = out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = d.child(n.OID, oid.ListItemKey, e)
		}
		value = out
	default:
		value = model.CloneValue(t)
	}
	d.emit(n.OID, model.Initialize(value))
}

// deleteTree emits delete operations for v and every nested object that
// does not survive in the target tree.
func (d *differ) deleteTree(v any) {
	n, ok := v.(*Node)
	if !ok || n == nil {
		return
	}
	if !d.alive[n.OID] && !d.deleted[n.OID] {
		d.deleted[n.OID] = true
		d.emit(n.OID, model.Delete())
	}
	d.deleteChildren(n.Value)
}

func (d *differ) deleteChildren(v any) {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range model.SortedKeys(t) {
			d.deleteTree(t[k])
		}
	case []any:
		for _, e := range t {
			d.deleteTree(e)
		}
	}
}

// identityEqual decides whether two slots hold the same thing for diffing:
// nodes and refs by OID, everything else structurally, with nil matching nil.
func identityEqual(a, b any) bool {
	switch at := a.(type) {
	case *Node:
		switch bt := b.(type) {
		case *Node:
			return at != nil && bt != nil && at.OID != "" && at.OID == bt.OID
		case model.Ref:
			return at != nil && at.OID == bt.ID
		}
		return false
	case model.Ref:
		switch bt := b.(type) {
		case model.Ref:
			return at.ID == bt.ID
		case *Node:
			return bt != nil && bt.OID == at.ID
		}
		return false
	}
	if _, ok := b.(*Node); ok {
		return false
	}
	return model.ValuesEqual(a, b)
}
