package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviddao/verdant/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ts(n int) string { return fmt.Sprintf("0001:%015d:00000:a", n) }

func op(id string, n int, p model.Patch) model.Operation {
	return model.Operation{OID: id, Timestamp: ts(n), Data: p}
}

var ctx = context.Background()

// --- Operation tests ---

func TestInsertBatch_Dedup(t *testing.T) {
	s := newTestStore(t)
	ops := []model.Operation{
		op("todos/1", 2, model.Set("a", 1.0)),
		op("todos/1", 1, model.Initialize(map[string]any{})),
	}
	got, err := s.InsertBatch(ctx, "lib", "r1", ops, nil)
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("inserted %d operations, want 2", len(got))
	}
	got, err = s.InsertOperations(ctx, "lib", "r1", ops[:1])
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("re-inserted %d operations, want 0", len(got))
	}

	all, err := s.OperationsAfter(ctx, "lib", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Timestamp != ts(1) || all[1].Timestamp != ts(2) {
		t.Fatalf("operations not in timestamp order: %+v", all)
	}
	if all[1].Data.Op != model.OpSet || all[1].Data.Name != "a" {
		t.Fatalf("patch did not round-trip: %+v", all[1].Data)
	}
}

func TestOperationsAfter_Since(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 5; i++ {
		s.InsertOperations(ctx, "lib", "r1", []model.Operation{op("todos/1", i, model.Set("n", float64(i)))})
	}
	// Other libraries are isolated.
	s.InsertOperations(ctx, "other", "r1", []model.Operation{op("todos/1", 9, model.Delete())})

	got, err := s.OperationsAfter(ctx, "lib", ts(3))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d operations after ts(3), want 2", len(got))
	}
}

func TestBaselines_OnlyNewerReplaces(t *testing.T) {
	s := newTestStore(t)
	child := "todos/1.items:a"
	b := model.Baseline{OID: "todos/1", Timestamp: ts(5), Snapshot: map[string]any{"items": model.Ref{ID: child}}}
	if _, err := s.InsertBatch(ctx, "lib", "", nil, []model.Baseline{b}); err != nil {
		t.Fatal(err)
	}
	older := model.Baseline{OID: "todos/1", Timestamp: ts(3), Snapshot: map[string]any{"v": "old"}}
	if _, err := s.InsertBatch(ctx, "lib", "", nil, []model.Baseline{older}); err != nil {
		t.Fatal(err)
	}
	got, err := s.BaselinesAfter(ctx, "lib", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Timestamp != ts(5) {
		t.Fatalf("baselines = %+v, want the ts(5) one", got)
	}
	snap := got[0].Snapshot.(map[string]any)
	if snap["items"] != (model.Ref{ID: child}) {
		t.Fatalf("ref did not round-trip: %#v", snap["items"])
	}
}

func TestHasHistory(t *testing.T) {
	s := newTestStore(t)
	has, err := s.HasHistory(ctx, "lib")
	if err != nil || has {
		t.Fatalf("empty library HasHistory = %v, %v", has, err)
	}
	s.InsertBatch(ctx, "lib", "", nil, []model.Baseline{{OID: "a/1", Timestamp: ts(1)}})
	if has, _ = s.HasHistory(ctx, "lib"); !has {
		t.Fatal("library with a baseline should have history")
	}
}

// --- Rebase tests ---

func TestRebase_FoldsAndDeletes(t *testing.T) {
	s := newTestStore(t)
	s.InsertOperations(ctx, "lib", "r1", []model.Operation{
		op("todos/1", 1, model.Initialize(map[string]any{"n": 0.0})),
		op("todos/1", 2, model.Set("n", 1.0)),
		op("todos/1", 4, model.Set("n", 2.0)),
		op("todos/2", 1, model.Initialize([]any{})),
	})

	folded, err := s.Rebase(ctx, "lib", ts(2))
	if err != nil {
		t.Fatalf("Rebase: %v", err)
	}
	if folded != 3 {
		t.Fatalf("folded %d, want 3", folded)
	}
	ops, _ := s.OperationsAfter(ctx, "lib", "")
	if len(ops) != 1 || ops[0].Timestamp != ts(4) {
		t.Fatalf("remaining operations = %+v", ops)
	}
	baselines, _ := s.BaselinesAfter(ctx, "lib", "")
	if len(baselines) != 2 {
		t.Fatalf("got %d baselines, want 2", len(baselines))
	}
	for _, b := range baselines {
		if b.Timestamp != ts(2) {
			t.Fatalf("baseline %s at %s, want watermark", b.OID, b.Timestamp)
		}
		if b.OID == "todos/1" && b.Snapshot.(map[string]any)["n"] != 1.0 {
			t.Fatalf("folded snapshot = %#v", b.Snapshot)
		}
	}

	// Folding again is a no-op.
	if folded, _ := s.Rebase(ctx, "lib", ts(2)); folded != 0 {
		t.Fatalf("second rebase folded %d", folded)
	}
}

// --- Replica tests ---

func TestReplicas(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetReplica(ctx, "lib", "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetReplica on empty = %v, want ErrNotFound", err)
	}
	r := model.Replica{ID: "r1", LibraryID: "lib", UserID: "alice", Type: model.ReplicaRealtime}
	if err := s.UpsertReplica(ctx, r); err != nil {
		t.Fatalf("UpsertReplica: %v", err)
	}
	if err := s.UpdateReplicaAck(ctx, "lib", "r1", ts(5)); err != nil {
		t.Fatal(err)
	}
	// Acks never move backwards.
	if err := s.UpdateReplicaAck(ctx, "lib", "r1", ts(3)); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetReplica(ctx, "lib", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "alice" || got.AckedLogicalTime != ts(5) {
		t.Fatalf("replica = %+v", got)
	}

	// Re-registering keeps the ack.
	if err := s.UpsertReplica(ctx, r); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetReplica(ctx, "lib", "r1")
	if got.AckedLogicalTime != ts(5) {
		t.Fatalf("ack lost on upsert: %+v", got)
	}

	if err := s.ResetReplicaAck(ctx, "lib", "r1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetReplica(ctx, "lib", "r1")
	if got.AckedLogicalTime != "" {
		t.Fatalf("ack after reset = %q", got.AckedLogicalTime)
	}

	s.UpsertReplica(ctx, model.Replica{ID: "r0", LibraryID: "lib", UserID: "bob", Type: model.ReplicaPassive})
	list, err := s.ListReplicas(ctx, "lib")
	if err != nil || len(list) != 2 || list[0].ID != "r0" {
		t.Fatalf("ListReplicas = %+v, %v", list, err)
	}
	if err := s.DeleteReplica(ctx, "lib", "r0"); err != nil {
		t.Fatal(err)
	}
	list, _ = s.ListReplicas(ctx, "lib")
	if len(list) != 1 {
		t.Fatalf("replicas after delete = %d", len(list))
	}
}

func TestReplicaTimes(t *testing.T) {
	s := newTestStore(t)
	seen := time.Now().Add(-time.Hour).Truncate(time.Millisecond).UTC()
	s.UpsertReplica(ctx, model.Replica{ID: "r1", LibraryID: "lib", UserID: "a", Type: model.ReplicaRealtime, LastSeen: seen})
	got, _ := s.GetReplica(ctx, "lib", "r1")
	if !got.LastSeen.Equal(seen) {
		t.Fatalf("LastSeen = %v, want %v", got.LastSeen, seen)
	}
	if err := s.TouchReplica(ctx, "lib", "r1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetReplica(ctx, "lib", "r1")
	if !got.LastSeen.After(seen) {
		t.Fatalf("TouchReplica did not advance LastSeen: %v", got.LastSeen)
	}
}

// --- Library tests ---

func TestGlobalAck_Monotonic(t *testing.T) {
	s := newTestStore(t)
	if ack, err := s.GlobalAck(ctx, "lib"); err != nil || ack != "" {
		t.Fatalf("GlobalAck on empty = %q, %v", ack, err)
	}
	s.SetGlobalAck(ctx, "lib", ts(5))
	s.SetGlobalAck(ctx, "lib", ts(2))
	if ack, _ := s.GlobalAck(ctx, "lib"); ack != ts(5) {
		t.Fatalf("GlobalAck = %q, want ts(5)", ack)
	}
}

func TestDeleteLibrary(t *testing.T) {
	s := newTestStore(t)
	s.InsertOperations(ctx, "lib", "r1", []model.Operation{op("a/1", 1, model.Initialize(1.0))})
	s.UpsertReplica(ctx, model.Replica{ID: "r1", LibraryID: "lib", UserID: "a", Type: model.ReplicaRealtime})
	s.InsertOperations(ctx, "keep", "r1", []model.Operation{op("a/1", 1, model.Initialize(1.0))})

	if err := s.DeleteLibrary(ctx, "lib"); err != nil {
		t.Fatalf("DeleteLibrary: %v", err)
	}
	if _, err := s.LibraryInfo(ctx, "lib"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LibraryInfo after delete = %v, want ErrNotFound", err)
	}
	libs, _ := s.ListLibraries(ctx)
	if len(libs) != 1 || libs[0] != "keep" {
		t.Fatalf("libraries = %v", libs)
	}
}

func TestLibraryInfo(t *testing.T) {
	s := newTestStore(t)
	s.InsertBatch(ctx, "lib", "r1",
		[]model.Operation{op("a/1", 2, model.Set("x", 1.0))},
		[]model.Baseline{{OID: "a/1", Timestamp: ts(1), Snapshot: map[string]any{}}},
	)
	s.UpsertReplica(ctx, model.Replica{ID: "r1", LibraryID: "lib", UserID: "a", Type: model.ReplicaRealtime})
	info, err := s.LibraryInfo(ctx, "lib")
	if err != nil {
		t.Fatal(err)
	}
	if info.OperationCount != 1 || info.BaselineCount != 1 || len(info.Replicas) != 1 {
		t.Fatalf("info = %+v", info)
	}
}

// --- Export/import tests ---

func TestExportImport(t *testing.T) {
	src := newTestStore(t)
	src.InsertBatch(ctx, "lib", "r1",
		[]model.Operation{op("a/1", 2, model.Set("x", 1.0)), op("a/1", 3, model.Set("y", 2.0))},
		[]model.Baseline{{OID: "a/1", Timestamp: ts(1), Snapshot: map[string]any{}}},
	)
	src.UpsertReplica(ctx, model.Replica{ID: "r1", LibraryID: "lib", UserID: "a", Type: model.ReplicaRealtime})
	src.SetGlobalAck(ctx, "lib", ts(1))
	exp, err := src.Export(ctx, "lib")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := newTestStore(t)
	dst.InsertOperations(ctx, "lib", "old", []model.Operation{op("z/1", 1, model.Initialize(1.0))})
	if err := dst.Import(ctx, "lib", exp); err != nil {
		t.Fatalf("Import: %v", err)
	}
	info, err := dst.LibraryInfo(ctx, "lib")
	if err != nil {
		t.Fatal(err)
	}
	if info.OperationCount != 2 || info.BaselineCount != 1 || len(info.Replicas) != 1 || info.GlobalAck != ts(1) {
		t.Fatalf("imported info = %+v", info)
	}
	libs, _ := dst.ListLibraries(ctx)
	if len(libs) != 1 {
		t.Fatalf("temporary namespace left behind: %v", libs)
	}
}

func TestImport_IntegrityMismatchLeavesStateUntouched(t *testing.T) {
	s := newTestStore(t)
	s.InsertOperations(ctx, "lib", "r1", []model.Operation{op("z/1", 1, model.Initialize(1.0))})

	exp := &Export{
		LibraryID:      "lib",
		Operations:     []model.Operation{op("a/1", 1, model.Initialize(1.0)), op("a/1", 1, model.Initialize(1.0))},
		OperationCount: 2,
	}
	if err := s.Import(ctx, "lib", exp); !errors.Is(err, model.ErrImportIntegrity) {
		t.Fatalf("Import = %v, want ErrImportIntegrity", err)
	}
	ops, _ := s.OperationsAfter(ctx, "lib", "")
	if len(ops) != 1 || ops[0].OID != "z/1" {
		t.Fatalf("state changed after failed import: %+v", ops)
	}
	libs, _ := s.ListLibraries(ctx)
	if len(libs) != 1 {
		t.Fatalf("temporary namespace left behind: %v", libs)
	}
}

func TestContextCancelled(t *testing.T) {
	s := newTestStore(t)
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.InsertOperations(cctx, "lib", "r1", []model.Operation{op("a/1", 1, model.Initialize(1.0))}); err == nil {
		t.Fatal("insert with cancelled context should fail")
	}
	ops, _ := s.OperationsAfter(ctx, "lib", "")
	if len(ops) != 0 {
		t.Fatalf("cancelled insert left %d operations", len(ops))
	}
}
