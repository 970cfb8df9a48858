package patch

import (
	"reflect"
	"testing"

	"github.com/daviddao/verdant/pkg/model"
)

func diffOpts() DiffOptions {
	return DiffOptions{Now: counterClock(), NewSubID: counterIDs()}
}

// replay applies ops onto the normalized form of from and rebuilds the tree.
func replay(t *testing.T, from *Node, ops []model.Operation) *Node {
	t.Helper()
	views := Normalize(from.Clone(), counterIDs())
	for _, op := range ops {
		v, err := Apply(views[op.OID], op.Data)
		if err != nil {
			t.Fatalf("apply %s %+v: %v", op.OID, op.Data, err)
		}
		views[op.OID] = v
	}
	return Denormalize(from.OID, views)
}

func listNode(items ...any) *Node {
	return &Node{OID: "nums/1", Value: items}
}

func TestDiff_ListInsert(t *testing.T) {
	from := listNode(0.0, 1.0, 2.0, 3.0)
	to := listNode(0.0, 1.0, 4.0, 2.0, 3.0)
	ops, err := Diff(from, to, diffOpts())
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Fatalf("got %d ops, want 1: %+v", len(ops), ops)
	}
	if p := ops[0].Data; p.Op != model.OpListInsert || p.Index != 2 || p.Value != 4.0 {
		t.Fatalf("got %+v, want list-insert(2, 4)", p)
	}
}

func TestDiff_ListReplaceIsSet(t *testing.T) {
	from := listNode(0.0, 1.0, 2.0, 3.0)
	to := listNode(9.0, 1.0, 2.0, 3.0)
	ops, _ := Diff(from, to, diffOpts())
	if len(ops) != 1 || ops[0].Data.Op != model.OpListSet || ops[0].Data.Index != 0 {
		t.Fatalf("got %+v, want single list-set at 0", ops)
	}
}

func TestDiff_ListReplaceObjectDeletesIt(t *testing.T) {
	child := &Node{OID: "nums/1.#:c", Value: map[string]any{"v": 0.0}}
	from := listNode(child, 1.0, 2.0, 3.0)
	to := listNode(9.0, 1.0, 2.0, 3.0)
	ops, _ := Diff(from, to, diffOpts())
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2: %+v", len(ops), ops)
	}
	if ops[0].Data.Op != model.OpListSet || ops[1].Data.Op != model.OpDelete || ops[1].OID != child.OID {
		t.Fatalf("got %+v, want list-set then delete of %s", ops, child.OID)
	}
}

func TestDiff_ListTruncate(t *testing.T) {
	obj := &Node{OID: "nums/1.#:x", Value: map[string]any{}}
	from := listNode(1.0, 2.0, obj)
	to := listNode(1.0)
	ops, _ := Diff(from, to, diffOpts())
	if len(ops) != 2 {
		t.Fatalf("got %+v", ops)
	}
	if p := ops[0].Data; p.Op != model.OpListDelete || p.Index != 1 || p.Count != 2 {
		t.Fatalf("got %+v, want list-delete(1, 2)", p)
	}
	if ops[1].Data.Op != model.OpDelete || ops[1].OID != obj.OID {
		t.Fatalf("got %+v, want delete of removed object", ops[1])
	}
}

func TestDiff_ListPush(t *testing.T) {
	ops, _ := Diff(listNode(1.0), listNode(1.0, map[string]any{"a": 1.0}), diffOpts())
	if len(ops) != 2 || ops[0].Data.Op != model.OpInitialize || ops[1].Data.Op != model.OpListPush {
		t.Fatalf("got %+v, want initialize then list-push", ops)
	}
	if r, ok := ops[1].Data.Value.(model.Ref); !ok || r.ID != ops[0].OID {
		t.Fatalf("push value %v should reference %s", ops[1].Data.Value, ops[0].OID)
	}
}

func TestDiff_ObjectKeys(t *testing.T) {
	from := &Node{OID: "c/1", Value: map[string]any{"keep": 1.0, "change": 1.0, "drop": 1.0, "nil": nil}}
	to := &Node{OID: "c/1", Value: map[string]any{"keep": 1.0, "change": 2.0, "add": "x", "nil": nil}}
	ops, _ := Diff(from, to, diffOpts())
	var got []string
	for _, op := range ops {
		got = append(got, string(op.Data.Op)+":"+op.Data.Name)
	}
	want := []string{"set:add", "set:change", "remove:drop"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDiff_MergeKeepsMissingKeys(t *testing.T) {
	from := &Node{OID: "c/1", Value: map[string]any{"a": 1.0, "b": 1.0}}
	to := &Node{OID: "c/1", Value: map[string]any{"a": 2.0, "b": nil}}
	opts := diffOpts()
	opts.Merge = true
	ops, _ := Diff(from, to, opts)
	if len(ops) != 1 || ops[0].Data.Name != "a" {
		t.Fatalf("got %+v, want only set:a", ops)
	}
}

func TestDiff_IdentityChangeReplacesSubtree(t *testing.T) {
	old := &Node{OID: "c/1.o:a", Value: map[string]any{"n": &Node{OID: "c/1.o.n:b", Value: []any{}}}}
	from := &Node{OID: "c/1", Value: map[string]any{"o": old}}
	to := &Node{OID: "c/1", Value: map[string]any{"o": map[string]any{"fresh": true}}}
	ops, _ := Diff(from, to, diffOpts())
	var deletes []string
	for _, op := range ops {
		if op.Data.Op == model.OpDelete {
			deletes = append(deletes, op.OID)
		}
	}
	if !reflect.DeepEqual(deletes, []string{"c/1.o:a", "c/1.o.n:b"}) {
		t.Fatalf("deleted %v, want old subtree", deletes)
	}
}

func TestDiff_SameIdentityRecurses(t *testing.T) {
	inner := func(v float64) *Node { return &Node{OID: "c/1.o:a", Value: map[string]any{"v": v}} }
	from := &Node{OID: "c/1", Value: map[string]any{"o": inner(1)}}
	to := &Node{OID: "c/1", Value: map[string]any{"o": inner(2)}}
	ops, _ := Diff(from, to, diffOpts())
	if len(ops) != 1 || ops[0].OID != "c/1.o:a" || ops[0].Data.Name != "v" {
		t.Fatalf("got %+v, want set on nested oid", ops)
	}
}

func TestDiff_RoundTrip(t *testing.T) {
	base := func() *Node {
		return &Node{OID: "docs/1", Value: map[string]any{
			"title": "a",
			"items": &Node{OID: "docs/1.items:i", Value: []any{
				&Node{OID: "docs/1.items.#:x", Value: map[string]any{"n": 1.0}},
				2.0, 3.0, "four",
			}},
			"gone": &Node{OID: "docs/1.gone:g", Value: map[string]any{}},
		}}
	}
	targets := map[string]func(n *Node){
		"edit nested": func(n *Node) {
			items := n.Object()["items"].(*Node)
			items.List()[0].(*Node).Object()["n"] = 5.0
		},
		"reorder": func(n *Node) {
			items := n.Object()["items"].(*Node)
			l := items.List()
			items.Value = []any{l[3], l[1], l[0], l[2]}
		},
		"shrink and add": func(n *Node) {
			o := n.Object()
			delete(o, "gone")
			o["items"].(*Node).Value = []any{"only", map[string]any{"new": []any{1.0}}}
			o["extra"] = map[string]any{"k": "v"}
		},
		"kind change": func(n *Node) {
			n.Object()["items"].(*Node).Value = map[string]any{"now": "object"}
		},
	}
	for name, mutate := range targets {
		t.Run(name, func(t *testing.T) {
			from := base()
			to := base()
			mutate(to)
			want := Plain(to.Clone())
			ops, err := Diff(from, to, diffOpts())
			if err != nil {
				t.Fatal(err)
			}
			got := Plain(replay(t, from, ops))
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("round trip:\n got %v\nwant %v", got, want)
			}
		})
	}
}

func TestDiff_NilEnds(t *testing.T) {
	n := &Node{OID: "c/1", Value: map[string]any{"a": &Node{OID: "c/1.a:z", Value: map[string]any{}}}}
	ops, _ := Diff(nil, n, diffOpts())
	if len(ops) != 2 || ops[1].OID != "c/1" || ops[1].Data.Op != model.OpInitialize {
		t.Fatalf("create: %+v", ops)
	}
	ops, _ = Diff(n, nil, diffOpts())
	if len(ops) != 2 || ops[0].Data.Op != model.OpDelete || ops[1].Data.Op != model.OpDelete {
		t.Fatalf("delete: %+v", ops)
	}
}

func TestDiff_IdentityMismatch(t *testing.T) {
	if _, err := Diff(&Node{OID: "a/1"}, &Node{OID: "a/2"}, diffOpts()); err == nil {
		t.Fatal("expected identity mismatch error")
	}
	if _, err := Diff(nil, nil, DiffOptions{}); err == nil {
		t.Fatal("expected missing Now error")
	}
}

func TestDiffViews_ProducesInverse(t *testing.T) {
	before := map[string]any{"a": 1.0, "r": model.Ref{ID: "c/1.r:x"}}
	after := map[string]any{"a": 2.0, "b": true}
	ops, _ := DiffViews("c/1", after, before, diffOpts())
	v := any(after)
	for _, op := range ops {
		v, _ = Apply(v, op.Data)
	}
	if !reflect.DeepEqual(v, before) {
		t.Fatalf("inverse gave %v, want %v", v, before)
	}
}
