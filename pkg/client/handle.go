package client

import (
	"github.com/golang/glog"

	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/protocol"
)

// handle routes one server message. Every timestamp on the wire moves the
// local clock forward first.
func (c *Client) handle(m protocol.Message) {
	for _, ts := range protocol.Timestamps(m) {
		c.clock.Update(ts)
	}
	switch msg := m.(type) {
	case protocol.SyncResp:
		c.handleSyncResp(msg)
	case protocol.OpRe:
		c.receive(msg.Baselines, msg.Operations)
		c.rebase(msg.GlobalAckTimestamp)
	case protocol.NeedSince:
		c.resendAll()
	case protocol.GlobalAck:
		c.rebase(msg.Timestamp)
	case protocol.ServerAck:
		c.confirm(msg.Timestamp)
	case protocol.Forbidden:
		glog.Warningf("[client] server refused a message: %s", msg.Reason)
		if c.opts.OnForbidden != nil {
			c.opts.OnForbidden(msg.Reason)
		}
	case protocol.PresenceChanged:
		c.mu.Lock()
		c.peers[msg.ReplicaID] = msg.UserInfo
		c.mu.Unlock()
		c.presenceChanged()
	case protocol.PresenceOffline:
		c.mu.Lock()
		delete(c.peers, msg.ReplicaID)
		c.mu.Unlock()
		c.presenceChanged()
	case protocol.HeartbeatResponse:
	default:
		glog.Warningf("[client] unexpected %s from server", m.MessageType())
	}
}

func (c *Client) handleSyncResp(msg protocol.SyncResp) {
	if msg.OverwriteLocalData {
		// The server no longer trusts this replica's history.
		if err := c.db.Reset(msg.Baselines, msg.Operations); err != nil {
			glog.Warningf("[client] reset local store: %v", err)
			return
		}
		c.store.Reset(msg.Baselines, msg.Operations)
		c.pipeline.ClearHistory()
		c.updateReplica(func(r *model.LocalReplica) {
			r.AckedLogicalTime = ""
			r.LastSyncedLogicalTime = ""
		})
		glog.Infof("[client] local data replaced by server (%d baselines, %d operations)", len(msg.Baselines), len(msg.Operations))
		c.ack(latest(msg.Baselines, msg.Operations))
	} else {
		c.receive(msg.Baselines, msg.Operations)
	}
	if msg.AckedTimestamp != "" {
		c.confirm(msg.AckedTimestamp)
	}
	c.mu.Lock()
	c.peers = make(map[string]model.UserInfo, len(msg.PeerPresence))
	for id, info := range msg.PeerPresence {
		c.peers[id] = info
	}
	presence := c.presence
	c.mu.Unlock()
	c.presenceChanged()
	if presence != nil {
		c.send(protocol.PresenceUpdate{ReplicaID: c.replica.ID, Presence: presence})
	}
	c.updateReplica(func(r *model.LocalReplica) {
		r.LastSyncedLogicalTime = c.now()
	})
	c.rebase(msg.GlobalAckTimestamp)
}

// receive stores confirmed history from the server and acknowledges it.
func (c *Client) receive(baselines []model.Baseline, ops []model.Operation) {
	if len(baselines) == 0 && len(ops) == 0 {
		return
	}
	if err := c.db.AddBaselines(baselines); err != nil {
		glog.Warningf("[client] store baselines: %v", err)
		return
	}
	if err := c.db.AddOperations(ops, true); err != nil {
		glog.Warningf("[client] store operations: %v", err)
		return
	}
	c.store.AddBaselines(baselines)
	c.store.AddOperations(ops, true)
	c.ack(latest(baselines, ops))
}

// confirm marks local operations up to ts as stored by the server.
func (c *Client) confirm(ts string) {
	ops, err := c.db.Confirm(ts)
	if err != nil {
		glog.Warningf("[client] confirm through %s: %v", ts, err)
		return
	}
	c.store.Confirm(ops)
}

func (c *Client) ack(ts string) {
	if ts == "" {
		return
	}
	c.mu.Lock()
	if ts <= c.replica.AckedLogicalTime {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.updateReplica(func(r *model.LocalReplica) {
		if ts > r.AckedLogicalTime {
			r.AckedLogicalTime = ts
		}
	})
	c.send(protocol.Ack{ReplicaID: c.replica.ID, Timestamp: ts})
}

func (c *Client) updateReplica(fn func(*model.LocalReplica)) {
	c.mu.Lock()
	fn(&c.replica)
	r := c.replica
	c.mu.Unlock()
	if err := c.db.SetLocalReplica(r); err != nil {
		glog.Warningf("[client] store replica: %v", err)
	}
}

// rebase compacts local history up to the server's global ack.
func (c *Client) rebase(ack string) {
	if ack == "" {
		return
	}
	if err := c.db.SetGlobalAck(ack); err != nil {
		glog.Warningf("[client] store global ack: %v", err)
		return
	}
	c.compact(ack)
}

func (c *Client) compact(watermark string) {
	folded, err := c.db.Rebase(watermark)
	if err != nil {
		glog.Warningf("[client] rebase at %s: %v", watermark, err)
		return
	}
	results := c.store.Rebase(watermark)
	if folded > 0 || len(results) > 0 {
		glog.V(2).Infof("[client] rebased at %s: %d stored, %d cached", watermark, folded, len(results))
	}
}

// compactOffline folds everything up to now. A replica that never syncs
// has no peer that could still need its history, so its own operations
// count as confirmed.
func (c *Client) compactOffline() error {
	c.mu.Lock()
	synced := c.replica.LastSyncedLogicalTime != ""
	c.mu.Unlock()
	if synced {
		return nil
	}
	now := c.now()
	ops, err := c.db.Confirm(now)
	if err != nil {
		return err
	}
	c.store.Confirm(ops)
	c.compact(now)
	return nil
}

func (c *Client) presenceChanged() {
	if c.opts.OnPresence != nil {
		c.opts.OnPresence(c.Peers())
	}
}

func latest(baselines []model.Baseline, ops []model.Operation) string {
	ts := ""
	for _, b := range baselines {
		if b.Timestamp > ts {
			ts = b.Timestamp
		}
	}
	for _, op := range ops {
		if op.Timestamp > ts {
			ts = op.Timestamp
		}
	}
	return ts
}
