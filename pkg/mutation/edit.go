package mutation

import (
	"fmt"

	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/oid"
	"github.com/daviddao/verdant/pkg/patch"
)

// snapshot returns the denormalized subtree rooted at id.
func (p *Pipeline) snapshot(id string) *patch.Node {
	views := p.opts.Store.Views(oid.Root(id))
	if views == nil {
		return nil
	}
	return patch.Denormalize(id, views)
}

// Edit lets fn change a copy of the subtree at id, then commits the diff.
func (p *Pipeline) Edit(id string, fn func(n *patch.Node) error) error {
	before := p.snapshot(id)
	if before == nil {
		return fmt.Errorf("edit %s: %w", id, ErrNotFound)
	}
	after := before.Clone()
	if err := fn(after); err != nil {
		return err
	}
	ops, err := patch.Diff(before, after, p.diffOptions())
	if err != nil {
		return fmt.Errorf("edit %s: %w", id, err)
	}
	p.Commit(ops)
	return nil
}

// Patch stamps and commits raw patches against one node.
func (p *Pipeline) Patch(id string, patches ...model.Patch) {
	ops := make([]model.Operation, len(patches))
	for i, pt := range patches {
		ops[i] = model.Operation{OID: id, Timestamp: p.now(), Data: pt, Authz: p.opts.Authz}
	}
	p.Commit(ops)
}

// CreateDocument initializes a new document in collection and flushes it
// at once. Nested maps and slices in value become their own nodes.
func (p *Pipeline) CreateDocument(collection, documentID string, value map[string]any) (string, error) {
	if documentID == "" {
		documentID = oid.NewDocumentID()
	}
	root := oid.Create(collection, documentID, nil, "")
	if p.opts.Store.View(root) != nil {
		return "", fmt.Errorf("create %s: document exists", root)
	}
	ops, err := patch.Diff(nil, &patch.Node{OID: root, Value: value}, p.diffOptions())
	if err != nil {
		return "", fmt.Errorf("create %s: %w", root, err)
	}
	p.commit(ops, sourceEdit, true)
	return root, nil
}

// DeleteDocument deletes a document and every nested node, flushing at
// once.
func (p *Pipeline) DeleteDocument(root string) error {
	before := p.snapshot(oid.Root(root))
	if before == nil {
		return fmt.Errorf("delete %s: %w", root, ErrNotFound)
	}
	ops, err := patch.Diff(before, nil, p.diffOptions())
	if err != nil {
		return fmt.Errorf("delete %s: %w", root, err)
	}
	p.commit(ops, sourceEdit, true)
	return nil
}

// Set assigns key on the object at id.
func (p *Pipeline) Set(id, key string, value any) error {
	return p.Edit(id, func(n *patch.Node) error {
		obj := n.Object()
		if obj == nil {
			return shapeError(model.OpSet, patch.ErrNotObject, n.Value)
		}
		obj[key] = value
		return nil
	})
}

// Remove deletes key from the object at id.
func (p *Pipeline) Remove(id, key string) error {
	return p.Edit(id, func(n *patch.Node) error {
		obj := n.Object()
		if obj == nil {
			return shapeError(model.OpRemove, patch.ErrNotObject, n.Value)
		}
		delete(obj, key)
		return nil
	})
}

// Push appends value to the list at id.
func (p *Pipeline) Push(id string, value any) error {
	return p.Edit(id, func(n *patch.Node) error {
		list, ok := n.Value.([]any)
		if !ok {
			return shapeError(model.OpListPush, patch.ErrNotList, n.Value)
		}
		n.Value = append(list, value)
		return nil
	})
}

// Insert places value at index in the list at id.
func (p *Pipeline) Insert(id string, index int, value any) error {
	return p.Edit(id, func(n *patch.Node) error {
		list, ok := n.Value.([]any)
		if !ok {
			return shapeError(model.OpListInsert, patch.ErrNotList, n.Value)
		}
		if index < 0 || index > len(list) {
			return &patch.Error{Op: model.OpListInsert, Kind: patch.ErrInvalidIndex, Got: fmt.Sprint(index)}
		}
		out := make([]any, 0, len(list)+1)
		out = append(out, list[:index]...)
		out = append(out, value)
		n.Value = append(out, list[index:]...)
		return nil
	})
}

// DeleteAt removes count items from the list at id, deleting any nested
// nodes they held.
func (p *Pipeline) DeleteAt(id string, index, count int) error {
	before := p.snapshot(id)
	if before == nil {
		return fmt.Errorf("delete items of %s: %w", id, ErrNotFound)
	}
	list, ok := before.Value.([]any)
	if !ok {
		return shapeError(model.OpListDelete, patch.ErrNotList, before.Value)
	}
	if index < 0 || count <= 0 || index >= len(list) {
		return &patch.Error{Op: model.OpListDelete, Kind: patch.ErrInvalidIndex, Got: fmt.Sprint(index)}
	}
	end := index + count
	if end > len(list) {
		end = len(list)
	}
	ops := []model.Operation{{OID: id, Timestamp: p.now(), Data: model.ListDelete(index, end-index), Authz: p.opts.Authz}}
	for _, item := range list[index:end] {
		child, ok := item.(*patch.Node)
		if !ok {
			continue
		}
		del, err := patch.Diff(child, nil, p.diffOptions())
		if err != nil {
			return err
		}
		ops = append(ops, del...)
	}
	p.Commit(ops)
	return nil
}

// Move moves the item at from to index to in the list at id.
func (p *Pipeline) Move(id string, from, to int) {
	p.Patch(id, model.ListMoveByIndex(from, to))
}

func shapeError(op model.PatchOp, kind error, v any) error {
	return &patch.Error{Op: op, Kind: kind, Got: fmt.Sprintf("%T", v)}
}
