// Package patch applies operations to node values and computes the
// operations that transform one document snapshot into another.
package patch

import (
	"errors"
	"fmt"

	"github.com/daviddao/verdant/pkg/model"
)

var (
	// ErrNotList is returned when a list patch meets a non-list value.
	ErrNotList = errors.New("value is not a list")
	// ErrNotObject is returned when an object patch meets a non-object value.
	ErrNotObject = errors.New("value is not an object")
	// ErrInvalidIndex is returned for negative list indices.
	ErrInvalidIndex = errors.New("invalid list index")
)

// Error describes a patch that cannot be applied to the current value.
type Error struct {
	Op   model.PatchOp
	Kind error
	Got  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("apply %s: %v (got %s)", e.Op, e.Kind, e.Got)
}

func (e *Error) Unwrap() error { return e.Kind }

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case map[string]any:
		return "object"
	case []any:
		return "list"
	case model.Ref:
		return "ref"
	case string:
		return "string"
	case bool:
		return "bool"
	}
	return "number"
}

// Apply returns the value that results from applying p to view. view is
// not modified. A nil view stays nil for every patch except initialize.
func Apply(view any, p model.Patch) (any, error) {
	switch p.Op {
	case model.OpInitialize:
		return model.CloneValue(p.Value), nil
	case model.OpDelete:
		return nil, nil
	}
	if view == nil {
		return nil, nil
	}
	if p.IsList() {
		list, ok := view.([]any)
		if !ok {
			return nil, &Error{Op: p.Op, Kind: ErrNotList, Got: typeName(view)}
		}
		return applyList(model.CloneValue(list).([]any), p)
	}
	obj, ok := view.(map[string]any)
	if !ok {
		return nil, &Error{Op: p.Op, Kind: ErrNotObject, Got: typeName(view)}
	}
	obj = model.CloneValue(obj).(map[string]any)
	switch p.Op {
	case model.OpSet:
		obj[p.Name] = model.CloneValue(p.Value)
	case model.OpRemove:
		delete(obj, p.Name)
	default:
		return nil, fmt.Errorf("%w: unknown patch op %q", model.ErrProtocolViolation, p.Op)
	}
	return obj, nil
}

// ApplyAll applies patches in order.
func ApplyAll(view any, patches []model.Patch) (any, error) {
	var err error
	for _, p := range patches {
		if view, err = Apply(view, p); err != nil {
			return nil, err
		}
	}
	return view, nil
}

func clamp(i, lo, hi int) int {
	if i < lo {
		return lo
	}
	if i > hi {
		return hi
	}
	return i
}

func insertAt(list []any, i int, v any) []any {
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = v
	return list
}

func removeAt(list []any, i int) ([]any, any) {
	v := list[i]
	return append(list[:i], list[i+1:]...), v
}

func applyList(list []any, p model.Patch) (any, error) {
	switch p.Op {
	case model.OpListPush:
		return append(list, model.CloneValue(p.Value)), nil
	case model.OpListAdd:
		for _, e := range list {
			if model.ValuesEqual(e, p.Value) {
				return list, nil
			}
		}
		return append(list, model.CloneValue(p.Value)), nil
	case model.OpListInsert:
		if p.Index < 0 {
			return nil, &Error{Op: p.Op, Kind: ErrInvalidIndex, Got: fmt.Sprint(p.Index)}
		}
		return insertAt(list, clamp(p.Index, 0, len(list)), model.CloneValue(p.Value)), nil
	case model.OpListSet:
		if p.Index < 0 {
			return nil, &Error{Op: p.Op, Kind: ErrInvalidIndex, Got: fmt.Sprint(p.Index)}
		}
		for len(list) <= p.Index {
			list = append(list, nil)
		}
		list[p.Index] = model.CloneValue(p.Value)
		return list, nil
	case model.OpListDelete:
		if p.Index < 0 || p.Count < 0 {
			return nil, &Error{Op: p.Op, Kind: ErrInvalidIndex, Got: fmt.Sprintf("%d+%d", p.Index, p.Count)}
		}
		start := clamp(p.Index, 0, len(list))
		end := clamp(p.Index+p.Count, start, len(list))
		return append(list[:start], list[end:]...), nil
	case model.OpListMoveByIndex:
		if p.From < 0 || p.From >= len(list) {
			return list, nil
		}
		list, v := removeAt(list, p.From)
		return insertAt(list, clamp(p.To, 0, len(list)), v), nil
	case model.OpListMoveByRef:
		ref, _ := p.Value.(model.Ref)
		for i, e := range list {
			if r, ok := e.(model.Ref); ok && r.ID == ref.ID {
				list, v := removeAt(list, i)
				return insertAt(list, clamp(p.Index, 0, len(list)), v), nil
			}
		}
		return list, nil
	case model.OpListRemove:
		return removeMatching(list, p.Value, p.Only), nil
	}
	return nil, fmt.Errorf("%w: unknown patch op %q", model.ErrProtocolViolation, p.Op)
}

// removeMatching drops elements equal to v: all of them by default, or
// only the first or last occurrence.
func removeMatching(list []any, v any, only string) []any {
	switch only {
	case "first":
		for i, e := range list {
			if model.ValuesEqual(e, v) {
				list, _ = removeAt(list, i)
				return list
			}
		}
		return list
	case "last":
		for i := len(list) - 1; i >= 0; i-- {
			if model.ValuesEqual(list[i], v) {
				list, _ = removeAt(list, i)
				return list
			}
		}
		return list
	}
	out := list[:0]
	for _, e := range list {
		if !model.ValuesEqual(e, v) {
			out = append(out, e)
		}
	}
	return out
}
