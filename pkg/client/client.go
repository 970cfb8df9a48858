// Package client is the replica runtime.
//
// A Client ties the local store, the replay store and the mutation
// pipeline to a sync transport. Local edits are visible at once, written
// to the local store when their batch flushes and sent to the server if a
// session is live; anything unsent travels with the next sync.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/daviddao/verdant/pkg/clock"
	"github.com/daviddao/verdant/pkg/localstore"
	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/mutation"
	"github.com/daviddao/verdant/pkg/oid"
	"github.com/daviddao/verdant/pkg/patch"
	"github.com/daviddao/verdant/pkg/protocol"
	"github.com/daviddao/verdant/pkg/replay"
	"github.com/daviddao/verdant/pkg/transport"
)

// Options configures a Client.
type Options struct {
	// DB is the local store. Required.
	DB *localstore.DB
	// SchemaVersion is the application's schema version. Defaults to 1.
	SchemaVersion int
	// Migrations upgrade stored data written under older versions.
	Migrations []Migration
	// Window is the mutation batch window.
	Window time.Duration
	// Offline marks a client that never syncs. It compacts its own history
	// at startup.
	Offline bool

	OnFutureSeen func(model.Operation)
	OnPresence   func(map[string]model.UserInfo)
	OnForbidden  func(reason string)
	// Now overrides the physical clock.
	Now func() time.Time
}

// Client is one replica of a library.
type Client struct {
	opts     Options
	db       *localstore.DB
	clock    *clock.Clock
	store    *replay.Store
	pipeline *mutation.Pipeline

	mu        sync.Mutex
	replica   model.LocalReplica
	transport transport.Transport
	peers     map[string]model.UserInfo
	presence  any
}

// New opens a client on opts.DB: it assigns a replica id on first use,
// runs pending migrations and restores unsent operations.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("client: %w: a local store is required", model.ErrConfiguration)
	}
	if opts.SchemaVersion == 0 {
		opts.SchemaVersion = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Client{opts: opts, db: opts.DB, peers: make(map[string]model.UserInfo)}

	r, err := c.db.LocalReplica()
	if err != nil {
		return nil, err
	}
	if r == nil {
		r = &model.LocalReplica{ID: ulid.Make().String()}
		if err := c.db.SetLocalReplica(*r); err != nil {
			return nil, err
		}
		glog.V(2).Infof("[client] new replica %s", r.ID)
	}
	c.replica = *r

	c.clock = clock.NewWithSource(r.ID, opts.Now)
	c.store = replay.New(replay.Options{
		SchemaVersion: opts.SchemaVersion,
		OnFutureSeen:  c.futureSeen,
		Loader:        c.db,
	})
	c.pipeline, err = mutation.New(mutation.Options{
		Store:  c.store,
		Clock:  c.clock,
		Submit: c.submit,
		Window: opts.Window,
	})
	if err != nil {
		return nil, err
	}

	if err := c.restorePending(ctx); err != nil {
		return nil, err
	}
	if err := c.migrate(ctx); err != nil {
		c.pipeline.Stop()
		return nil, err
	}
	if opts.Offline {
		if err := c.compactOffline(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// restorePending loads every document with unsent operations and replays
// the operations as pending.
func (c *Client) restorePending(ctx context.Context) error {
	pending, err := c.db.Pending()
	if err != nil {
		return err
	}
	roots := make(map[string]bool)
	for _, op := range pending {
		c.clock.Update(op.Timestamp)
		root := oid.Root(op.OID)
		if roots[root] {
			continue
		}
		roots[root] = true
		if err := c.store.Load(ctx, root); err != nil {
			return err
		}
	}
	c.store.AddOperations(pending, false)
	return nil
}

func (c *Client) futureSeen(op model.Operation) {
	glog.Warningf("[client] operation %s on %s was written by a newer schema version", op.Timestamp, op.OID)
	if c.opts.OnFutureSeen != nil {
		c.opts.OnFutureSeen(op)
	}
}

// ReplicaID returns the replica's id.
func (c *Client) ReplicaID() string { return c.replica.ID }

// Store returns the replay store for reads and subscriptions.
func (c *Client) Store() *replay.Store { return c.store }

// Mutations returns the pipeline for edits, undo and redo.
func (c *Client) Mutations() *mutation.Pipeline { return c.pipeline }

// Load hydrates a document from the local store.
func (c *Client) Load(ctx context.Context, root string) error {
	return c.store.Load(ctx, root)
}

// submit persists a flushed batch and sends it when a session is live.
func (c *Client) submit(ops []model.Operation) {
	if err := c.db.AddOperations(ops, false); err != nil {
		glog.Warningf("[client] persist %d operations: %v", len(ops), err)
		return
	}
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return
	}
	err := t.Send(protocol.Op{ReplicaID: c.replica.ID, Timestamp: c.now(), Operations: ops})
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		glog.Infof("[client] send operations: %v", err)
	}
}

func (c *Client) now() string { return c.clock.Now(c.opts.SchemaVersion) }

// Dialer opens a transport that reports to handlers.
type Dialer func(handlers transport.Handlers) (transport.Transport, error)

// Connect starts syncing over the transport dial returns. Each time a
// session opens the client sends a sync with its unsent operations.
func (c *Client) Connect(dial Dialer) error {
	c.mu.Lock()
	if c.transport != nil {
		c.mu.Unlock()
		return fmt.Errorf("client: already connected")
	}
	c.mu.Unlock()
	t, err := dial(transport.Handlers{
		Message: c.handle,
		Connect: c.sendSync,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
	// A connect event may have fired before the transport was recorded.
	if t.Connected() {
		c.sendSync()
	}
	return nil
}

// Disconnect stops syncing. Edits keep working offline.
func (c *Client) Disconnect() {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.peers = make(map[string]model.UserInfo)
	c.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

// Close flushes pending edits and disconnects. The local store is left
// open.
func (c *Client) Close() {
	c.pipeline.Stop()
	c.Disconnect()
}

func (c *Client) send(m protocol.Message) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Send(m); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		glog.Infof("[client] send %s: %v", m.MessageType(), err)
	}
}

func (c *Client) sendSync() {
	c.pipeline.Flush()
	pending, err := c.db.Pending()
	if err != nil {
		glog.Warningf("[client] read pending operations: %v", err)
		return
	}
	c.mu.Lock()
	var since *string
	if ack := c.replica.AckedLogicalTime; ack != "" {
		since = &ack
	}
	c.mu.Unlock()
	c.send(protocol.Sync{
		ReplicaID:     c.replica.ID,
		SchemaVersion: c.opts.SchemaVersion,
		Since:         since,
		Timestamp:     c.now(),
		Baselines:     []model.Baseline{},
		Operations:    nonNil(pending),
	})
}

// resendAll answers need-since: the server lost history, so every local
// operation and baseline is offered again.
func (c *Client) resendAll() {
	c.pipeline.Flush()
	baselines, ops, err := c.db.All()
	if err != nil {
		glog.Warningf("[client] read local history: %v", err)
		return
	}
	if baselines == nil {
		baselines = []model.Baseline{}
	}
	glog.V(2).Infof("[client] resending %d baselines and %d operations", len(baselines), len(ops))
	c.send(protocol.Sync{
		ReplicaID:     c.replica.ID,
		SchemaVersion: c.opts.SchemaVersion,
		Timestamp:     c.now(),
		Baselines:     baselines,
		Operations:    nonNil(ops),
	})
}

func nonNil(ops []model.Operation) []model.Operation {
	if ops == nil {
		return []model.Operation{}
	}
	return ops
}

// SetPresence publishes the replica's presence to peers.
func (c *Client) SetPresence(p any) {
	c.mu.Lock()
	c.presence = p
	c.mu.Unlock()
	c.send(protocol.PresenceUpdate{ReplicaID: c.replica.ID, Presence: p})
}

// Peers returns the presence of every other live replica.
func (c *Client) Peers() map[string]model.UserInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]model.UserInfo, len(c.peers))
	for k, v := range c.peers {
		out[k] = v
	}
	return out
}

// Snapshot loads a document if needed and returns its tree, or nil when
// it does not exist.
func (c *Client) Snapshot(ctx context.Context, root string) (*patch.Node, error) {
	if err := c.store.Load(ctx, root); err != nil {
		return nil, err
	}
	return c.store.Snapshot(root), nil
}
