package model

import (
	"encoding/json"
	"fmt"
)

// PatchOp names a patch variant.
type PatchOp string

const (
	OpInitialize      PatchOp = "initialize"
	OpSet             PatchOp = "set"
	OpRemove          PatchOp = "remove"
	OpDelete          PatchOp = "delete"
	OpListPush        PatchOp = "list-push"
	OpListInsert      PatchOp = "list-insert"
	OpListDelete      PatchOp = "list-delete"
	OpListSet         PatchOp = "list-set"
	OpListMoveByIndex PatchOp = "list-move-by-index"
	OpListMoveByRef   PatchOp = "list-move-by-ref"
	OpListRemove      PatchOp = "list-remove"
	OpListAdd         PatchOp = "list-add"
)

// Patch is one change to a node. Which fields are meaningful depends on Op:
//
//	initialize          Value
//	set                 Name, Value
//	remove              Name
//	delete              -
//	list-push/list-add  Value
//	list-insert         Index, Value
//	list-set            Index, Value
//	list-delete         Index, Count
//	list-move-by-index  From, To
//	list-move-by-ref    Value (a Ref), Index
//	list-remove         Value, Only ("", "first" or "last")
type Patch struct {
	Op    PatchOp
	Name  string
	Value any
	Index int
	Count int
	From  int
	To    int
	Only  string
}

func Initialize(v any) Patch             { return Patch{Op: OpInitialize, Value: v} }
func Set(name string, v any) Patch       { return Patch{Op: OpSet, Name: name, Value: v} }
func Remove(name string) Patch           { return Patch{Op: OpRemove, Name: name} }
func Delete() Patch                      { return Patch{Op: OpDelete} }
func ListPush(v any) Patch               { return Patch{Op: OpListPush, Value: v} }
func ListAdd(v any) Patch                { return Patch{Op: OpListAdd, Value: v} }
func ListInsert(index int, v any) Patch  { return Patch{Op: OpListInsert, Index: index, Value: v} }
func ListSet(index int, v any) Patch     { return Patch{Op: OpListSet, Index: index, Value: v} }
func ListDelete(index, count int) Patch  { return Patch{Op: OpListDelete, Index: index, Count: count} }
func ListMoveByIndex(from, to int) Patch { return Patch{Op: OpListMoveByIndex, From: from, To: to} }
func ListMoveByRef(ref Ref, index int) Patch {
	return Patch{Op: OpListMoveByRef, Value: ref, Index: index}
}
func ListRemove(v any) Patch { return Patch{Op: OpListRemove, Value: v} }

// IsList reports whether the patch requires a list-typed node.
func (p Patch) IsList() bool {
	switch p.Op {
	case OpListPush, OpListAdd, OpListInsert, OpListSet, OpListDelete,
		OpListMoveByIndex, OpListMoveByRef, OpListRemove:
		return true
	}
	return false
}

type patchJSON struct {
	Op    PatchOp         `json:"op"`
	Name  *string         `json:"name,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Index *int            `json:"index,omitempty"`
	Count *int            `json:"count,omitempty"`
	From  *int            `json:"from,omitempty"`
	To    *int            `json:"to,omitempty"`
	Only  string          `json:"only,omitempty"`
}

// MarshalJSON writes only the fields the variant uses.
func (p Patch) MarshalJSON() ([]byte, error) {
	out := patchJSON{Op: p.Op}
	value := func() error {
		raw, err := json.Marshal(p.Value)
		if err != nil {
			return err
		}
		out.Value = raw
		return nil
	}
	switch p.Op {
	case OpInitialize, OpListPush, OpListAdd:
		if err := value(); err != nil {
			return nil, err
		}
	case OpSet:
		out.Name = &p.Name
		if err := value(); err != nil {
			return nil, err
		}
	case OpRemove:
		out.Name = &p.Name
	case OpDelete:
	case OpListInsert, OpListSet, OpListMoveByRef:
		out.Index = &p.Index
		if err := value(); err != nil {
			return nil, err
		}
	case OpListDelete:
		out.Index = &p.Index
		out.Count = &p.Count
	case OpListMoveByIndex:
		out.From = &p.From
		out.To = &p.To
	case OpListRemove:
		out.Only = p.Only
		if err := value(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown patch op %q", ErrProtocolViolation, p.Op)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a patch, rejecting unknown variants and variants
// missing required fields.
func (p *Patch) UnmarshalJSON(b []byte) error {
	var in patchJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	out := Patch{Op: in.Op, Only: in.Only}
	missing := func(field string) error {
		return fmt.Errorf("%w: patch %q missing %s", ErrProtocolViolation, in.Op, field)
	}
	need := func(v *int, field string, dst *int) error {
		if v == nil {
			return missing(field)
		}
		*dst = *v
		return nil
	}
	hasValue := len(in.Value) > 0
	if hasValue {
		v, err := DecodeValue(in.Value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		out.Value = v
	}
	if in.Name != nil {
		out.Name = *in.Name
	}
	var err error
	switch in.Op {
	case OpInitialize, OpListPush, OpListAdd, OpListRemove:
		if !hasValue {
			err = missing("value")
		}
	case OpSet:
		if in.Name == nil {
			err = missing("name")
		}
	case OpRemove:
		if in.Name == nil {
			err = missing("name")
		}
	case OpDelete:
	case OpListInsert, OpListSet:
		err = need(in.Index, "index", &out.Index)
	case OpListMoveByRef:
		if err = need(in.Index, "index", &out.Index); err == nil {
			if _, ok := out.Value.(Ref); !ok {
				err = missing("ref value")
			}
		}
	case OpListDelete:
		if err = need(in.Index, "index", &out.Index); err == nil {
			err = need(in.Count, "count", &out.Count)
		}
	case OpListMoveByIndex:
		if err = need(in.From, "from", &out.From); err == nil {
			err = need(in.To, "to", &out.To)
		}
	default:
		err = fmt.Errorf("%w: unknown patch op %q", ErrProtocolViolation, in.Op)
	}
	if err != nil {
		return err
	}
	*p = out
	return nil
}
