package client

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/daviddao/verdant/pkg/clock"
	"github.com/daviddao/verdant/pkg/localstore"
	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/patch"
	"github.com/daviddao/verdant/pkg/protocol"
	"github.com/daviddao/verdant/pkg/transport"
)

var ctx = context.Background()

type fakeTransport struct {
	mu       sync.Mutex
	sent     []protocol.Message
	handlers transport.Handlers
}

func (f *fakeTransport) Send(m protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) Connected() bool { return true }
func (f *fakeTransport) Close()          {}

func (f *fakeTransport) deliver(m protocol.Message) { f.handlers.Message(m) }

// lastOf returns the last sent message of type typ, or nil.
func (f *fakeTransport) lastOf(typ protocol.Type) protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].MessageType() == typ {
			return f.sent[i]
		}
	}
	return nil
}

func openDB(t *testing.T, path string) *localstore.DB {
	t.Helper()
	db, err := localstore.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func newTestClient(t *testing.T, opts Options) (*Client, *fakeTransport) {
	t.Helper()
	if opts.DB == nil {
		opts.DB = openDB(t, filepath.Join(t.TempDir(), "local.db"))
		t.Cleanup(func() { opts.DB.Close() })
	}
	if opts.Window == 0 {
		opts.Window = time.Hour
	}
	c, err := New(ctx, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	ft := &fakeTransport{}
	err = c.Connect(func(h transport.Handlers) (transport.Transport, error) {
		ft.handlers = h
		return ft, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return c, ft
}

func peerTS(wall int64) string {
	return clock.Timestamp{Version: 1, Wall: wall, Node: "peer"}.String()
}

func title(t *testing.T, c *Client, root string) any {
	t.Helper()
	n, err := c.Snapshot(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if n == nil {
		return nil
	}
	return n.Object()["title"]
}

func TestNew_RequiresDB(t *testing.T) {
	_, err := New(ctx, Options{})
	assert.Equal(t, errors.Is(err, model.ErrConfiguration), true)
}

func TestReplicaIDIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	db := openDB(t, path)
	c, err := New(ctx, Options{DB: db})
	if err != nil {
		t.Fatal(err)
	}
	id := c.ReplicaID()
	c.Close()
	db.Close()

	db = openDB(t, path)
	defer db.Close()
	c, err = New(ctx, Options{DB: db})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	assert.Equal(t, c.ReplicaID(), id)
}

func TestConnect_SendsSync(t *testing.T) {
	c, ft := newTestClient(t, Options{})
	s, ok := ft.lastOf(protocol.TypeSync).(protocol.Sync)
	assert.Equal(t, ok, true)
	assert.Equal(t, s.ReplicaID, c.ReplicaID())
	assert.Equal(t, s.Since == nil, true)
	assert.Equal(t, s.SchemaVersion, 1)
}

func TestEdit_PersistsSendsAndConfirms(t *testing.T) {
	c, ft := newTestClient(t, Options{})
	root, err := c.Mutations().CreateDocument("todos", "1", map[string]any{"title": "a"})
	assert.Equal(t, err, nil)

	op, ok := ft.lastOf(protocol.TypeOp).(protocol.Op)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(op.Operations), 1)
	assert.Equal(t, op.Operations[0].OID, root)

	pending, err := c.db.Pending()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pending), 1)

	ft.deliver(protocol.ServerAck{Timestamp: op.Operations[0].Timestamp})
	pending, err = c.db.Pending()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pending), 0)
	assert.Equal(t, title(t, c, root), "a")
}

func TestOpRe_AppliesAndAcks(t *testing.T) {
	c, ft := newTestClient(t, Options{})
	far := time.Now().Add(time.Hour).UnixMilli()
	ts := peerTS(far)
	ft.deliver(protocol.OpRe{
		ReplicaID:  "peer",
		Operations: []model.Operation{{OID: "todos/1", Timestamp: ts, Data: model.Initialize(map[string]any{"title": "remote"})}},
		Baselines:  []model.Baseline{},
	})
	assert.Equal(t, title(t, c, "todos/1"), "remote")

	ack, ok := ft.lastOf(protocol.TypeAck).(protocol.Ack)
	assert.Equal(t, ok, true)
	assert.Equal(t, ack.Timestamp, ts)

	// The clock moved past the remote timestamp.
	assert.Equal(t, c.Mutations().Set("todos/1", "title", "local"), nil)
	c.Mutations().Flush()
	op := ft.lastOf(protocol.TypeOp).(protocol.Op)
	assert.Equal(t, op.Operations[0].Timestamp > ts, true)
	assert.Equal(t, title(t, c, "todos/1"), "local")
}

func TestSyncResp_OverwriteResets(t *testing.T) {
	c, ft := newTestClient(t, Options{})
	_, err := c.Mutations().CreateDocument("todos", "local", map[string]any{"title": "mine"})
	assert.Equal(t, err, nil)

	ft.deliver(protocol.SyncResp{
		OverwriteLocalData: true,
		Operations:         []model.Operation{{OID: "todos/remote", Timestamp: peerTS(5), Data: model.Initialize(map[string]any{"title": "theirs"})}},
		Baselines:          []model.Baseline{},
	})

	pending, err := c.db.Pending()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pending), 0)
	assert.Equal(t, title(t, c, "todos/local"), nil)
	assert.Equal(t, title(t, c, "todos/remote"), "theirs")
	assert.Equal(t, c.Mutations().CanUndo(), false)
}

func TestSyncResp_ConfirmsAckedAndTracksPeers(t *testing.T) {
	var seen map[string]model.UserInfo
	c, ft := newTestClient(t, Options{OnPresence: func(p map[string]model.UserInfo) { seen = p }})
	_, err := c.Mutations().CreateDocument("todos", "1", map[string]any{"title": "a"})
	assert.Equal(t, err, nil)
	op := ft.lastOf(protocol.TypeOp).(protocol.Op)

	ft.deliver(protocol.SyncResp{
		AckedTimestamp: op.Operations[0].Timestamp,
		Operations:     []model.Operation{},
		Baselines:      []model.Baseline{},
		PeerPresence:   map[string]model.UserInfo{"rb": {ID: "u2", ReplicaID: "rb", Presence: "here"}},
	})
	pending, err := c.db.Pending()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pending), 0)
	assert.Equal(t, len(seen), 1)

	ft.deliver(protocol.PresenceOffline{ReplicaID: "rb", UserID: "u2"})
	assert.Equal(t, len(c.Peers()), 0)
}

func TestNeedSince_ResendsEverything(t *testing.T) {
	c, ft := newTestClient(t, Options{})
	ft.deliver(protocol.OpRe{
		Operations: []model.Operation{{OID: "todos/1", Timestamp: peerTS(1), Data: model.Initialize(map[string]any{})}},
		Baselines:  []model.Baseline{},
	})
	_, err := c.Mutations().CreateDocument("todos", "2", map[string]any{})
	assert.Equal(t, err, nil)

	ft.deliver(protocol.NeedSince{})
	s := ft.lastOf(protocol.TypeSync).(protocol.Sync)
	assert.Equal(t, s.Since == nil, true)
	assert.Equal(t, len(s.Operations), 2)
}

func TestGlobalAck_CompactsLocalHistory(t *testing.T) {
	c, ft := newTestClient(t, Options{})
	ops := []model.Operation{
		{OID: "todos/1", Timestamp: peerTS(1), Data: model.Initialize(map[string]any{"title": "a"})},
		{OID: "todos/1", Timestamp: peerTS(2), Data: model.Set("title", "b")},
		{OID: "todos/1", Timestamp: peerTS(3), Data: model.Set("title", "c")},
	}
	ft.deliver(protocol.OpRe{Operations: ops, Baselines: []model.Baseline{}})
	assert.Equal(t, title(t, c, "todos/1"), "c")

	ft.deliver(protocol.GlobalAck{Timestamp: peerTS(2)})
	baselines, remaining, err := c.db.Entity("todos/1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(baselines), 1)
	assert.Equal(t, len(remaining), 1)
	assert.Equal(t, title(t, c, "todos/1"), "c")
}

func TestRestoresPendingOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	db := openDB(t, path)
	c, err := New(ctx, Options{DB: db})
	if err != nil {
		t.Fatal(err)
	}
	root, err := c.Mutations().CreateDocument("todos", "1", map[string]any{"title": "offline"})
	assert.Equal(t, err, nil)
	c.Close()
	db.Close()

	db = openDB(t, path)
	defer db.Close()
	c, err = New(ctx, Options{DB: db})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	assert.Equal(t, c.Store().Pending()[0].OID, root)
	assert.Equal(t, title(t, c, root), "offline")
}

func TestOfflineCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	db := openDB(t, path)
	defer db.Close()
	c, err := New(ctx, Options{DB: db, Offline: true})
	if err != nil {
		t.Fatal(err)
	}
	root, err := c.Mutations().CreateDocument("todos", "1", map[string]any{"title": "a"})
	assert.Equal(t, err, nil)
	c.Close()

	c, err = New(ctx, Options{DB: db, Offline: true})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	baselines, ops, err := db.Entity(root)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(baselines), 1)
	assert.Equal(t, len(ops), 0)
	assert.Equal(t, title(t, c, root), "a")
}

func TestPlanMigrations(t *testing.T) {
	noop := func(context.Context, *Client) error { return nil }
	chain := []Migration{{From: 1, To: 2, Run: noop}, {From: 2, To: 3, Run: noop}}

	plan, err := planMigrations(1, 3, chain)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(plan), 2)

	_, err = planMigrations(1, 4, chain)
	assert.Equal(t, errors.Is(err, model.ErrMigrationPathNotFound), true)

	_, err = planMigrations(3, 2, chain)
	assert.Equal(t, errors.Is(err, model.ErrFutureVersion), true)

	_, err = planMigrations(1, 2, []Migration{{From: 2, To: 1, Run: noop}})
	assert.Equal(t, errors.Is(err, model.ErrConfiguration), true)
}

func TestMigrationRunsOnUpgrade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	db := openDB(t, path)
	defer db.Close()
	c, err := New(ctx, Options{DB: db})
	if err != nil {
		t.Fatal(err)
	}
	root, err := c.Mutations().CreateDocument("todos", "1", map[string]any{"title": "a"})
	assert.Equal(t, err, nil)
	c.Close()

	_, err = New(ctx, Options{DB: db, SchemaVersion: 2})
	assert.Equal(t, errors.Is(err, model.ErrMigrationPathNotFound), true)

	c, err = New(ctx, Options{DB: db, SchemaVersion: 2, Migrations: []Migration{{
		From: 1, To: 2,
		Run: func(ctx context.Context, c *Client) error {
			return c.Mutations().Edit(root, func(n *patch.Node) error {
				n.Object()["title"] = "migrated"
				return nil
			})
		},
	}}})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	assert.Equal(t, title(t, c, root), "migrated")
	v, err := db.SchemaVersion()
	assert.Equal(t, err, nil)
	assert.Equal(t, v, 2)
}
