package patch

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/daviddao/verdant/pkg/model"
)

func mustApply(t *testing.T, view any, p model.Patch) any {
	t.Helper()
	out, err := Apply(view, p)
	if err != nil {
		t.Fatalf("Apply(%v, %+v): %v", view, p, err)
	}
	return out
}

func TestApply_Object(t *testing.T) {
	v := mustApply(t, nil, model.Initialize(map[string]any{"a": 1.0}))
	v = mustApply(t, v, model.Set("b", "x"))
	v = mustApply(t, v, model.Remove("a"))
	want := map[string]any{"b": "x"}
	if !reflect.DeepEqual(v, want) {
		t.Fatalf("got %v, want %v", v, want)
	}
}

func TestApply_NilView(t *testing.T) {
	for _, p := range []model.Patch{model.Set("a", 1.0), model.ListPush(1.0), model.Remove("a"), model.Delete()} {
		out, err := Apply(nil, p)
		if err != nil || out != nil {
			t.Fatalf("Apply(nil, %s) = %v, %v; want nil, nil", p.Op, out, err)
		}
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	in := []any{1.0, 2.0}
	mustApply(t, in, model.ListPush(3.0))
	mustApply(t, in, model.ListSet(0, 9.0))
	if !reflect.DeepEqual(in, []any{1.0, 2.0}) {
		t.Fatalf("input mutated: %v", in)
	}
}

func TestApply_List(t *testing.T) {
	r1, r2 := model.Ref{ID: "c/d.l.#:1"}, model.Ref{ID: "c/d.l.#:2"}
	cases := []struct {
		name  string
		start []any
		patch model.Patch
		want  []any
	}{
		{"push", []any{1.0}, model.ListPush(2.0), []any{1.0, 2.0}},
		{"add present", []any{1.0}, model.ListAdd(1.0), []any{1.0}},
		{"add absent", []any{1.0}, model.ListAdd(2.0), []any{1.0, 2.0}},
		{"insert middle", []any{1.0, 3.0}, model.ListInsert(1, 2.0), []any{1.0, 2.0, 3.0}},
		{"insert past end", []any{1.0}, model.ListInsert(7, 2.0), []any{1.0, 2.0}},
		{"set", []any{1.0, 2.0}, model.ListSet(1, 5.0), []any{1.0, 5.0}},
		{"delete range", []any{1.0, 2.0, 3.0, 4.0}, model.ListDelete(1, 2), []any{1.0, 4.0}},
		{"delete clamps", []any{1.0, 2.0}, model.ListDelete(1, 10), []any{1.0}},
		{"move by index", []any{1.0, 2.0, 3.0}, model.ListMoveByIndex(0, 2), []any{2.0, 3.0, 1.0}},
		{"move by ref", []any{r1, r2}, model.ListMoveByRef(r2, 0), []any{r2, r1}},
		{"move missing ref", []any{r1}, model.ListMoveByRef(r2, 0), []any{r1}},
		{"remove all", []any{1.0, 2.0, 1.0}, model.ListRemove(1.0), []any{2.0}},
		{"remove ref", []any{r1, r2, r1}, model.ListRemove(r1), []any{r2}},
		{"remove first", []any{1.0, 2.0, 1.0}, model.Patch{Op: model.OpListRemove, Value: 1.0, Only: "first"}, []any{2.0, 1.0}},
		{"remove last", []any{1.0, 2.0, 1.0}, model.Patch{Op: model.OpListRemove, Value: 1.0, Only: "last"}, []any{1.0, 2.0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mustApply(t, tc.start, tc.patch)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestApply_ListPatchOnObjectFails(t *testing.T) {
	_, err := Apply(map[string]any{}, model.ListPush(1.0))
	if !errors.Is(err, ErrNotList) {
		t.Fatalf("err = %v, want ErrNotList", err)
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Got != "object" {
		t.Fatalf("err = %#v, want *Error with Got=object", err)
	}
	if _, err := Apply([]any{}, model.Set("a", 1.0)); !errors.Is(err, ErrNotObject) {
		t.Fatalf("err = %v, want ErrNotObject", err)
	}
	if _, err := Apply([]any{}, model.ListInsert(-1, 1.0)); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("err = %v, want ErrInvalidIndex", err)
	}
}

func TestApply_DeleteIsTombstone(t *testing.T) {
	if v := mustApply(t, map[string]any{"a": 1.0}, model.Delete()); v != nil {
		t.Fatalf("delete = %v, want nil", v)
	}
}

func TestNormalizeDenormalize(t *testing.T) {
	root := &Node{OID: "todos/1", Value: map[string]any{
		"title": "milk",
		"tags":  []any{"a", map[string]any{"deep": true}},
		"meta":  &Node{OID: "todos/1.meta:m", Value: map[string]any{"n": 1.0}},
	}}
	views := Normalize(root, counterIDs())
	if len(views) != 4 {
		t.Fatalf("got %d views, want 4: %v", len(views), views)
	}
	top := views["todos/1"].(map[string]any)
	if _, ok := top["tags"].(model.Ref); !ok {
		t.Fatalf("tags not normalized to ref: %#v", top["tags"])
	}
	if r := top["meta"].(model.Ref); r.ID != "todos/1.meta:m" {
		t.Fatalf("existing oid not kept: %v", r)
	}
	back := Denormalize("todos/1", views)
	if !reflect.DeepEqual(Plain(back), Plain(root)) {
		t.Fatalf("round trip:\n got %v\nwant %v", Plain(back), Plain(root))
	}
	if Denormalize("todos/missing", views) != nil {
		t.Fatal("missing root should denormalize to nil")
	}
}

func counterIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("s%d", n)
	}
}

func counterClock() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("0001:%015d:00000:test", n)
	}
}
