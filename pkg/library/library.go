// Package library implements the server-side coordinator of a library.
//
// A Library is a single-threaded actor: every message for one library is
// handled under its lock, so routing and broadcast decisions never race on
// the library's log. Different libraries run in parallel.
package library

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/daviddao/verdant/pkg/frontier"
	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/protocol"
	"github.com/daviddao/verdant/pkg/schedule"
	"github.com/daviddao/verdant/pkg/store"
)

// Connection delivers messages to one client.
type Connection interface {
	Send(m protocol.Message) error
}

// Session is one authenticated client connection.
type Session struct {
	UserID string
	Type   model.ReplicaType
	conn   Connection

	// Set by the library while handling messages.
	replicaID string
	presence  *model.UserInfo
}

// NewSession returns a session for an authenticated user.
func NewSession(userID string, typ model.ReplicaType, conn Connection) *Session {
	return &Session{UserID: userID, Type: typ, conn: conn}
}

// ReplicaID returns the replica the session last spoke for.
func (s *Session) ReplicaID() string { return s.replicaID }

// Library coordinates one library's replicas.
type Library struct {
	id       string
	store    store.StoreInterface
	settings *Settings

	mu       sync.Mutex
	sessions map[*Session]bool
	profiles map[string]map[string]any
	rebase   *schedule.Debouncer
	closed   bool
}

func newLibrary(id string, st store.StoreInterface, settings *Settings) *Library {
	l := &Library{
		id:       id,
		store:    st,
		settings: settings,
		sessions: make(map[*Session]bool),
		profiles: make(map[string]map[string]any),
	}
	l.rebase = schedule.NewDebouncer(settings.RebaseDelay, l.runRebase)
	return l
}

// ID returns the library ID.
func (l *Library) ID() string { return l.id }

// Connect registers a live session so it receives broadcasts.
func (l *Library) Connect(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[s] = true
	glog.V(2).Infof("[lib]%s connect user=%s type=%s", l.id, s.UserID, s.Type)
}

// Disconnect removes a session. When it was the last session of its
// replica, peers are told the replica went offline.
func (l *Library) Disconnect(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, s)
	if s.replicaID == "" {
		return
	}
	for other := range l.sessions {
		if other.replicaID == s.replicaID {
			return
		}
	}
	l.broadcast(nil, protocol.PresenceOffline{ReplicaID: s.replicaID, UserID: s.UserID})
	glog.V(2).Infof("[lib]%s disconnect replica=%s", l.id, s.replicaID)
}

// Connected returns the number of live sessions.
func (l *Library) Connected() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Handle processes one message from s. Replies go to s; broadcasts go to
// every other live session. A rejected message gets a forbidden reply and
// an error wrapping model.ErrForbidden; no state is changed.
func (l *Library) Handle(ctx context.Context, s *Session, m protocol.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("library %s is closed", l.id)
	}
	var err error
	switch t := m.(type) {
	case protocol.Sync:
		err = l.handleSync(ctx, s, t)
	case protocol.Op:
		err = l.handleOp(ctx, s, t)
	case protocol.Ack:
		err = l.handleAck(ctx, s, t)
	case protocol.Heartbeat:
		err = l.handleHeartbeat(ctx, s, t)
	case protocol.PresenceUpdate:
		err = l.handlePresence(ctx, s, t)
	default:
		err = fmt.Errorf("%w: unexpected %s from client", model.ErrProtocolViolation, m.MessageType())
	}
	if errors.Is(err, model.ErrForbidden) || errors.Is(err, model.ErrProtocolViolation) {
		l.send(s, protocol.Forbidden{Reason: err.Error()})
	}
	return err
}

func (l *Library) send(s *Session, m protocol.Message) {
	if err := s.conn.Send(protocol.FilterFor(m, s.UserID)); err != nil {
		glog.Infof("[lib]%s send %s to %s failed: %v", l.id, m.MessageType(), s.UserID, err)
	}
}

// broadcast sends m to every live session except from.
func (l *Library) broadcast(from *Session, m protocol.Message) {
	for s := range l.sessions {
		if s != from {
			l.send(s, m)
		}
	}
}

// authorize checks that replicaID belongs to s's user and that s may write
// when the message mutates. It returns the stored replica, or nil if new.
func (l *Library) authorize(ctx context.Context, s *Session, replicaID string, m protocol.Message) (*model.Replica, error) {
	if replicaID == "" {
		return nil, fmt.Errorf("%w: missing replica id", model.ErrProtocolViolation)
	}
	existing, err := l.store.GetReplica(ctx, l.id, replicaID)
	if errors.Is(err, store.ErrNotFound) {
		existing, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.UserID != s.UserID {
		return nil, fmt.Errorf("%w: replica %s belongs to another user", model.ErrForbidden, replicaID)
	}
	if protocol.IsMutating(m) {
		if !s.Type.CanWrite() {
			return nil, fmt.Errorf("%w: %s replicas cannot write", model.ErrForbidden, s.Type)
		}
		if err := protocol.CheckWrite(m, s.UserID); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

func (l *Library) handleSync(ctx context.Context, s *Session, msg protocol.Sync) error {
	existing, err := l.authorize(ctx, s, msg.ReplicaID, msg)
	if err != nil {
		return err
	}
	s.replicaID = msg.ReplicaID
	now := l.settings.Now()

	truant := existing != nil && frontier.IsTruant(*existing, now, l.settings.Truancy)
	resetNeeded := existing == nil || truant || msg.ResyncAll
	changesSince := ""
	if !resetNeeded {
		changesSince = existing.AckedLogicalTime
	}

	hasHistory, err := l.store.HasHistory(ctx, l.id)
	if err != nil {
		return err
	}
	if !hasHistory && msg.Since != nil {
		// The client expects history the server does not have.
		if err := l.registerReplica(ctx, s, msg.ReplicaID, existing, now); err != nil {
			return err
		}
		glog.V(2).Infof("[lib]%s replica %s expects history since %s; asking for resend", l.id, msg.ReplicaID, *msg.Since)
		l.send(s, protocol.NeedSince{Since: nil})
		return nil
	}
	overwrite := resetNeeded && hasHistory

	ops, err := l.store.OperationsAfter(ctx, l.id, changesSince)
	if err != nil {
		return err
	}
	baselines, err := l.store.BaselinesAfter(ctx, l.id, changesSince)
	if err != nil {
		return err
	}

	if err := l.registerReplica(ctx, s, msg.ReplicaID, existing, now); err != nil {
		return err
	}
	if resetNeeded && existing != nil {
		if err := l.store.ResetReplicaAck(ctx, l.id, msg.ReplicaID); err != nil {
			return err
		}
	}

	acked := ""
	if !overwrite && (len(msg.Operations) > 0 || len(msg.Baselines) > 0) {
		inserted, err := l.store.InsertBatch(ctx, l.id, msg.ReplicaID, msg.Operations, msg.Baselines)
		if err != nil {
			return err
		}
		acked = latestTimestamp(msg.Operations)
		if len(inserted) > 0 || len(msg.Baselines) > 0 {
			l.broadcast(s, protocol.OpRe{
				Operations:         inserted,
				Baselines:          msg.Baselines,
				ReplicaID:          msg.ReplicaID,
				GlobalAckTimestamp: l.storedGlobalAck(ctx),
			})
			l.scheduleRebase()
		}
	}

	if latest := latestTimestamp(ops); latest != "" {
		if err := l.store.UpdateReplicaSynced(ctx, l.id, msg.ReplicaID, latest); err != nil {
			return err
		}
	}

	glog.V(2).Infof("[lib]%s sync replica=%s since=%q reset=%v overwrite=%v sent=%d/%d received=%d/%d",
		l.id, msg.ReplicaID, changesSince, resetNeeded, overwrite,
		len(ops), len(baselines), len(msg.Operations), len(msg.Baselines))

	l.send(s, protocol.SyncResp{
		Operations:         nonNilOps(ops),
		Baselines:          nonNilBaselines(baselines),
		AckedTimestamp:     acked,
		GlobalAckTimestamp: l.storedGlobalAck(ctx),
		OverwriteLocalData: overwrite,
		PeerPresence:       l.peerPresence(s),
	})
	return nil
}

func (l *Library) registerReplica(ctx context.Context, s *Session, id string, existing *model.Replica, now time.Time) error {
	r := model.Replica{ID: id, LibraryID: l.id, UserID: s.UserID, Type: s.Type, LastSeen: now}
	if existing != nil {
		r.Registered = existing.Registered
	} else {
		r.Registered = now
	}
	return l.store.UpsertReplica(ctx, r)
}

// touchReplica records that a replica was seen, registering it when this
// is its first message.
func (l *Library) touchReplica(ctx context.Context, s *Session, id string, existing *model.Replica) error {
	if existing == nil {
		return l.registerReplica(ctx, s, id, nil, l.settings.Now())
	}
	return l.store.TouchReplica(ctx, l.id, id)
}

func (l *Library) handleOp(ctx context.Context, s *Session, msg protocol.Op) error {
	existing, err := l.authorize(ctx, s, msg.ReplicaID, msg)
	if err != nil {
		return err
	}
	s.replicaID = msg.ReplicaID
	if err := l.touchReplica(ctx, s, msg.ReplicaID, existing); err != nil {
		return err
	}
	if len(msg.Operations) == 0 {
		return nil
	}
	inserted, err := l.store.InsertOperations(ctx, l.id, msg.ReplicaID, msg.Operations)
	if err != nil {
		return err
	}
	if len(inserted) > 0 {
		l.broadcast(s, protocol.OpRe{
			Operations:         inserted,
			Baselines:          []model.Baseline{},
			ReplicaID:          msg.ReplicaID,
			GlobalAckTimestamp: l.storedGlobalAck(ctx),
		})
	}
	l.send(s, protocol.ServerAck{Timestamp: latestTimestamp(msg.Operations)})
	l.scheduleRebase()
	glog.V(2).Infof("[lib]%s op replica=%s count=%d new=%d", l.id, msg.ReplicaID, len(msg.Operations), len(inserted))
	return nil
}

func (l *Library) handleAck(ctx context.Context, s *Session, msg protocol.Ack) error {
	existing, err := l.authorize(ctx, s, msg.ReplicaID, msg)
	if err != nil {
		return err
	}
	s.replicaID = msg.ReplicaID
	if err := l.touchReplica(ctx, s, msg.ReplicaID, existing); err != nil {
		return err
	}
	if err := l.store.UpdateReplicaAck(ctx, l.id, msg.ReplicaID, msg.Timestamp); err != nil {
		return err
	}
	ack, err := l.computeGlobalAck(ctx, nil)
	if err != nil {
		return err
	}
	prev := l.storedGlobalAck(ctx)
	if ack == "" || ack <= prev {
		return nil
	}
	if err := l.store.SetGlobalAck(ctx, l.id, ack); err != nil {
		return err
	}
	glog.V(2).Infof("[lib]%s global ack %s -> %s", l.id, prev, ack)
	l.broadcast(nil, protocol.GlobalAck{Timestamp: ack})
	l.scheduleRebase()
	return nil
}

func (l *Library) handleHeartbeat(ctx context.Context, s *Session, msg protocol.Heartbeat) error {
	if id := msg.ReplicaID; id != "" {
		existing, err := l.authorize(ctx, s, id, msg)
		if err != nil {
			return err
		}
		s.replicaID = id
		if existing != nil {
			if err := l.store.TouchReplica(ctx, l.id, id); err != nil {
				return err
			}
		}
	}
	l.send(s, protocol.HeartbeatResponse{})
	return nil
}

// computeGlobalAck returns the minimum ack over non-truant replicas,
// restricted to only when non-nil.
func (l *Library) computeGlobalAck(ctx context.Context, only map[string]bool) (string, error) {
	replicas, err := l.store.ListReplicas(ctx, l.id)
	if err != nil {
		return "", err
	}
	return frontier.ComputeGlobalAck(replicas, frontier.Options{
		Now:     l.settings.Now(),
		Truancy: l.settings.Truancy,
		Only:    only,
	}), nil
}

func (l *Library) storedGlobalAck(ctx context.Context) string {
	ack, err := l.store.GlobalAck(ctx, l.id)
	if err != nil {
		glog.Warningf("[lib]%s read global ack: %v", l.id, err)
		return ""
	}
	return ack
}

func (l *Library) scheduleRebase() {
	if !l.settings.DisableRebase {
		l.rebase.Trigger()
	}
}

func (l *Library) runRebase() {
	if _, err := l.Rebase(context.Background()); err != nil {
		glog.Warningf("[lib]%s rebase: %v", l.id, err)
	}
}

// Rebase folds history at or before the global ack into baselines. When
// anything was folded, every session is sent a global-ack hint so clients
// can compact their own copies. Returns the number of folded operations.
func (l *Library) Rebase(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, nil
	}
	ack, err := l.computeGlobalAck(ctx, nil)
	if err != nil || ack == "" {
		return 0, err
	}
	folded, err := l.store.Rebase(ctx, l.id, ack)
	if err != nil {
		return 0, err
	}
	if folded > 0 {
		if err := l.store.SetGlobalAck(ctx, l.id, ack); err != nil {
			return folded, err
		}
		glog.V(2).Infof("[lib]%s rebase at %s folded %d", l.id, ack, folded)
		l.broadcast(nil, protocol.GlobalAck{Timestamp: ack})
	}
	return folded, nil
}

// Status reports the library's acknowledgement state.
type Status struct {
	GlobalAck          string          `json:"global_ack,omitempty"`
	ConnectedGlobalAck string          `json:"connected_global_ack,omitempty"`
	Connected          []string        `json:"connected"`
	Frontier           frontier.Status `json:"frontier"`
}

// Status computes the global ack over all replicas and over the connected
// ones only.
func (l *Library) Status(ctx context.Context) (*Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	only := make(map[string]bool)
	st := &Status{Connected: []string{}}
	for s := range l.sessions {
		if s.replicaID != "" && !only[s.replicaID] {
			only[s.replicaID] = true
			st.Connected = append(st.Connected, s.replicaID)
		}
	}
	replicas, err := l.store.ListReplicas(ctx, l.id)
	if err != nil {
		return nil, err
	}
	opts := frontier.Options{Now: l.settings.Now(), Truancy: l.settings.Truancy}
	st.GlobalAck = frontier.ComputeGlobalAck(replicas, opts)
	st.Frontier = frontier.ComputeStatus(l.storedGlobalAck(ctx), replicas, opts)
	opts.Only = only
	st.ConnectedGlobalAck = frontier.ComputeGlobalAck(replicas, opts)
	return st, nil
}

// Destroy clears presence, replicas, the operation log and baselines.
func (l *Library) Destroy(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rebase.Cancel()
	for s := range l.sessions {
		s.presence = nil
	}
	l.profiles = make(map[string]map[string]any)
	if err := l.store.DeleteLibrary(ctx, l.id); err != nil {
		return fmt.Errorf("destroy %s: %w", l.id, err)
	}
	glog.Infof("[lib]%s destroyed", l.id)
	return nil
}

func (l *Library) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.rebase.Stop()
}

func latestTimestamp(ops []model.Operation) string {
	latest := ""
	for _, op := range ops {
		if op.Timestamp > latest {
			latest = op.Timestamp
		}
	}
	return latest
}

func nonNilOps(ops []model.Operation) []model.Operation {
	if ops == nil {
		return []model.Operation{}
	}
	return ops
}

func nonNilBaselines(b []model.Baseline) []model.Baseline {
	if b == nil {
		return []model.Baseline{}
	}
	return b
}
