package replay

import (
	"context"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/daviddao/verdant/pkg/clock"
	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/patch"
)

func ts(n int) string { return tsv(1, n) }

func tsv(version, n int) string {
	return clock.Timestamp{Version: version, Wall: int64(n), Node: "a"}.String()
}

func opAt(id string, n int, p model.Patch) model.Operation {
	return model.Operation{OID: id, Timestamp: ts(n), Data: p}
}

const root = "todos/1"

func TestStore_ComputeViewOrder(t *testing.T) {
	s := New(Options{SchemaVersion: 1})
	s.AddBaselines([]model.Baseline{{OID: root, Timestamp: ts(1), Snapshot: map[string]any{"n": float64(0)}}})
	s.AddOperations([]model.Operation{
		opAt(root, 3, model.Set("n", float64(3))),
		opAt(root, 2, model.Set("n", float64(2))),
	}, true)

	got := s.View(root).(map[string]any)
	assert.Equal(t, got["n"], float64(3))

	// Pending applies after confirmed even with an older timestamp.
	older := model.Operation{
		OID:       root,
		Timestamp: clock.Timestamp{Version: 1, Wall: 2, Node: "b"}.String(),
		Data:      model.Set("p", true),
	}
	s.AddOperations([]model.Operation{older}, false)
	s.AddOperations([]model.Operation{opAt(root, 4, model.Set("n", float64(4)))}, false)
	got = s.View(root).(map[string]any)
	assert.Equal(t, got["n"], float64(4))
	assert.Equal(t, got["p"], true)
}

func TestStore_PendingDuplicateOfConfirmedIgnored(t *testing.T) {
	s := New(Options{SchemaVersion: 1})
	s.AddOperations([]model.Operation{opAt(root, 1, model.Initialize(map[string]any{"n": float64(1)}))}, true)
	changed := s.AddOperations([]model.Operation{opAt(root, 1, model.Set("n", float64(9)))}, false)
	assert.Equal(t, len(changed), 0)
	assert.Equal(t, s.View(root).(map[string]any)["n"], float64(1))
	assert.Equal(t, len(s.Pending()), 0)
}

func TestStore_RebaseSkipsNodesWithEarlierPending(t *testing.T) {
	s := New(Options{SchemaVersion: 1})
	s.AddOperations([]model.Operation{opAt(root, 1, model.Initialize(map[string]any{"a": float64(1)}))}, true)
	s.AddOperations([]model.Operation{opAt(root, 2, model.Set("b", float64(2)))}, false)
	before := s.View(root)

	results := s.Rebase(ts(3))
	assert.Equal(t, len(results), 0)
	if !reflect.DeepEqual(s.View(root), before) {
		t.Fatalf("rebase changed view: before=%v after=%v", before, s.View(root))
	}

	// Once confirmed, the node folds.
	s.Confirm([]model.Operation{opAt(root, 2, model.Set("b", float64(2)))})
	results = s.Rebase(ts(3))
	assert.Equal(t, len(results), 1)
	if !reflect.DeepEqual(s.View(root), before) {
		t.Fatalf("rebase changed view: before=%v after=%v", before, s.View(root))
	}
}

func TestStore_OperationsBeforeBaselineIgnored(t *testing.T) {
	s := New(Options{SchemaVersion: 1})
	s.AddBaselines([]model.Baseline{{OID: root, Timestamp: ts(5), Snapshot: map[string]any{"n": float64(5)}}})
	s.AddOperations([]model.Operation{opAt(root, 4, model.Set("n", float64(4)))}, true)
	assert.Equal(t, s.View(root).(map[string]any)["n"], float64(5))
}

func TestStore_BaselineMonotonic(t *testing.T) {
	s := New(Options{SchemaVersion: 1})
	s.AddBaselines([]model.Baseline{{OID: root, Timestamp: ts(5), Snapshot: map[string]any{"v": "new"}}})
	changed := s.AddBaselines([]model.Baseline{{OID: root, Timestamp: ts(3), Snapshot: map[string]any{"v": "old"}}})
	if len(changed) != 0 {
		t.Fatalf("older baseline reported change: %v", changed)
	}
	assert.Equal(t, s.View(root).(map[string]any)["v"], "new")
}

func TestStore_DuplicateOperationIgnored(t *testing.T) {
	s := New(Options{SchemaVersion: 1})
	op := opAt(root, 1, model.Initialize(map[string]any{}))
	if got := s.AddOperations([]model.Operation{op}, true); len(got) != 1 {
		t.Fatalf("first insert changed = %v", got)
	}
	if got := s.AddOperations([]model.Operation{op}, true); len(got) != 0 {
		t.Fatalf("duplicate insert changed = %v", got)
	}
}

func TestStore_ConfirmReplacesPending(t *testing.T) {
	s := New(Options{SchemaVersion: 1})
	op := opAt(root, 1, model.Initialize(map[string]any{"a": float64(1)}))
	s.AddOperations([]model.Operation{op}, false)
	if len(s.Pending()) != 1 {
		t.Fatalf("pending = %d, want 1", len(s.Pending()))
	}
	s.Confirm([]model.Operation{op})
	if len(s.Pending()) != 0 {
		t.Fatalf("pending after confirm = %d", len(s.Pending()))
	}
	assert.Equal(t, s.View(root).(map[string]any)["a"], float64(1))
}

func TestStore_DeliveryOrderDoesNotMatter(t *testing.T) {
	ops := []model.Operation{
		opAt(root, 1, model.Initialize(map[string]any{"items": model.Ref{ID: root + ".items:x"}})),
		opAt(root+".items:x", 2, model.Initialize([]any{})),
		opAt(root+".items:x", 3, model.ListPush("a")),
		opAt(root+".items:x", 4, model.ListPush("b")),
		opAt(root+".items:x", 5, model.ListInsert(0, "z")),
		opAt(root+".items:x", 6, model.ListDelete(1, 1)),
		opAt(root, 7, model.Set("title", "t")),
	}
	reference := New(Options{SchemaVersion: 1})
	reference.AddOperations(ops, true)
	want := reference.Views(root)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]model.Operation(nil), ops...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		s := New(Options{SchemaVersion: 1})
		// Deliver in several batches, some twice.
		s.AddOperations(shuffled[:3], true)
		s.AddOperations(shuffled[2:], true)
		s.AddOperations(shuffled[:1], true)
		if got := s.Views(root); !reflect.DeepEqual(got, want) {
			t.Fatalf("shuffle %d: views = %#v, want %#v", i, got, want)
		}
	}
}

func TestStore_RebasePreservesViews(t *testing.T) {
	s := New(Options{SchemaVersion: 1})
	s.AddOperations([]model.Operation{
		opAt(root, 1, model.Initialize(map[string]any{"n": float64(0)})),
		opAt(root, 2, model.Set("n", float64(1))),
		opAt(root, 3, model.Set("n", float64(2))),
		opAt(root, 5, model.Set("n", float64(3))),
	}, true)
	before := s.Views(root)

	results := s.Rebase(ts(3))
	if len(results) != 1 || len(results[0].Folded) != 3 {
		t.Fatalf("results = %+v", results)
	}
	assert.Equal(t, s.Views(root), before)

	// A later operation still applies on top of the new baseline.
	s.AddOperations([]model.Operation{opAt(root, 6, model.Set("n", float64(9)))}, true)
	assert.Equal(t, s.View(root).(map[string]any)["n"], float64(9))
}

func TestStore_FutureVersionSkipped(t *testing.T) {
	var mu sync.Mutex
	seen := 0
	s := New(Options{SchemaVersion: 1, OnFutureSeen: func(model.Operation) {
		mu.Lock()
		seen++
		mu.Unlock()
	}})
	s.AddOperations([]model.Operation{opAt(root, 1, model.Initialize(map[string]any{"v": float64(1)}))}, true)
	s.AddOperations([]model.Operation{
		{OID: root, Timestamp: tsv(2, 2), Data: model.Set("v", float64(2))},
		{OID: root, Timestamp: tsv(2, 3), Data: model.Set("v", float64(3))},
	}, true)

	assert.Equal(t, s.View(root).(map[string]any)["v"], float64(1))
	mu.Lock()
	assert.Equal(t, seen, 1)
	mu.Unlock()

	// Future operations are never folded.
	s.Rebase(tsv(9, 0))
	assert.Equal(t, s.View(root).(map[string]any)["v"], float64(1))
}

func TestStore_ApplyErrorSkipped(t *testing.T) {
	s := New(Options{SchemaVersion: 1})
	s.AddOperations([]model.Operation{
		opAt(root, 1, model.Initialize(map[string]any{"v": float64(1)})),
		opAt(root, 2, model.ListPush("x")),
		opAt(root, 3, model.Set("v", float64(3))),
	}, true)
	assert.Equal(t, s.View(root).(map[string]any)["v"], float64(3))
}

func TestStore_SnapshotDenormalizes(t *testing.T) {
	s := New(Options{SchemaVersion: 1})
	child := root + ".tags:t1"
	s.AddOperations([]model.Operation{
		opAt(root, 1, model.Initialize(map[string]any{"tags": model.Ref{ID: child}})),
		opAt(child, 1, model.Initialize([]any{"a"})),
	}, true)
	snap := s.Snapshot(root)
	if snap == nil || snap.OID != root {
		t.Fatalf("snapshot = %+v", snap)
	}
	tags, ok := snap.Object()["tags"].(*patch.Node)
	if !ok {
		t.Fatalf("tags = %#v", snap.Object()["tags"])
	}
	assert.Equal(t, tags.List(), []any{"a"})
}

func TestStore_Reset(t *testing.T) {
	s := New(Options{SchemaVersion: 1})
	s.AddOperations([]model.Operation{opAt("todos/old", 1, model.Initialize(map[string]any{}))}, true)
	changed := s.Reset(nil, []model.Operation{opAt(root, 1, model.Initialize(map[string]any{}))})
	assert.Equal(t, changed, []string{root, "todos/old"})
	assert.Equal(t, s.View("todos/old"), nil)
	assert.Equal(t, s.Roots(), []string{root})
}

func TestStore_SubscribeNotifies(t *testing.T) {
	s := New(Options{SchemaVersion: 1})
	var got []Change
	unsub := s.Subscribe(root, func(c Change) { got = append(got, c) })
	s.AddOperations([]model.Operation{
		opAt(root, 1, model.Initialize(map[string]any{})),
		opAt("todos/2", 1, model.Initialize(map[string]any{})),
	}, true)
	unsub()
	s.AddOperations([]model.Operation{opAt(root, 2, model.Set("a", "b"))}, true)
	assert.Equal(t, got, []Change{{Root: root, OIDs: []string{root}}})
}

type fakeLoader struct {
	mu    sync.Mutex
	calls int
	ops   []model.Operation
}

func (l *fakeLoader) LoadDocument(_ context.Context, _ string) ([]model.Baseline, []model.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return nil, l.ops, nil
}

func TestStore_EvictsUnsubscribedDocuments(t *testing.T) {
	loader := &fakeLoader{ops: []model.Operation{opAt(root, 1, model.Initialize(map[string]any{"a": "b"}))}}
	s := New(Options{SchemaVersion: 1, Loader: loader, EvictAfter: 20 * time.Millisecond})
	if err := s.Load(context.Background(), root); err != nil {
		t.Fatalf("Load: %v", err)
	}
	unsub := s.Subscribe(root, func(Change) {})

	// Confirmed data for an unloaded document is not held in memory.
	s.AddOperations([]model.Operation{opAt("todos/9", 1, model.Initialize(map[string]any{}))}, true)
	if s.Cached("todos/9") {
		t.Fatal("unloaded document was cached")
	}

	unsub()
	deadline := time.Now().Add(time.Second)
	for s.Cached(root) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Cached(root) {
		t.Fatal("document was not evicted")
	}
	if err := s.Load(context.Background(), root); err != nil {
		t.Fatalf("reload: %v", err)
	}
	assert.Equal(t, s.View(root).(map[string]any)["a"], "b")
	assert.Equal(t, loader.calls, 2)
}

func TestStore_PendingBlocksEviction(t *testing.T) {
	s := New(Options{SchemaVersion: 1, Loader: &fakeLoader{}, EvictAfter: 10 * time.Millisecond})
	s.AddOperations([]model.Operation{opAt(root, 1, model.Initialize(map[string]any{}))}, false)
	s.Subscribe(root, func(Change) {})()
	time.Sleep(50 * time.Millisecond)
	if !s.Cached(root) {
		t.Fatal("document with pending operations was evicted")
	}
}
