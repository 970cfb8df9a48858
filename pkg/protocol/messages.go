// Package protocol defines the sync wire messages.
//
// Every message is a JSON object tagged with a "type" field. Client
// messages (sync, op, ack, heartbeat, presence-update) flow to the server;
// the rest flow back.
package protocol

import (
	"github.com/daviddao/verdant/pkg/model"
)

// Type is the "type" tag of a wire message.
type Type string

const (
	TypeSync           Type = "sync"
	TypeOp             Type = "op"
	TypeAck            Type = "ack"
	TypeHeartbeat      Type = "heartbeat"
	TypePresenceUpdate Type = "presence-update"

	TypeSyncResp          Type = "sync-resp"
	TypeOpRe              Type = "op-re"
	TypeGlobalAck         Type = "global-ack"
	TypeNeedSince         Type = "need-since"
	TypeServerAck         Type = "server-ack"
	TypeForbidden         Type = "forbidden"
	TypePresenceChanged   Type = "presence-changed"
	TypePresenceOffline   Type = "presence-offline"
	TypeHeartbeatResponse Type = "heartbeat-response"
)

// Message is any wire message.
type Message interface {
	MessageType() Type
}

// Sync opens or resumes a replica's session. Since is nil when the
// replica has never synced.
type Sync struct {
	ReplicaID     string            `json:"replicaId"`
	SchemaVersion int               `json:"schemaVersion"`
	Since         *string           `json:"since"`
	Timestamp     string            `json:"timestamp,omitempty"`
	Baselines     []model.Baseline  `json:"baselines"`
	Operations    []model.Operation `json:"operations"`
	ResyncAll     bool              `json:"resyncAll,omitempty"`
}

// Op submits new operations.
type Op struct {
	ReplicaID  string            `json:"replicaId"`
	Timestamp  string            `json:"timestamp,omitempty"`
	Operations []model.Operation `json:"operations"`
}

// Ack reports the latest timestamp a replica has durably received.
type Ack struct {
	ReplicaID string `json:"replicaId"`
	Timestamp string `json:"timestamp"`
}

// Heartbeat keeps a connection marked as live.
type Heartbeat struct {
	ReplicaID string `json:"replicaId,omitempty"`
}

// PresenceUpdate replaces the sender's presence.
type PresenceUpdate struct {
	ReplicaID string         `json:"replicaId"`
	Presence  any            `json:"presence"`
	Internal  map[string]any `json:"internal,omitempty"`
}

// SyncResp answers a sync with the server's unseen history.
type SyncResp struct {
	Operations         []model.Operation         `json:"operations"`
	Baselines          []model.Baseline          `json:"baselines"`
	AckedTimestamp     string                    `json:"ackedTimestamp,omitempty"`
	GlobalAckTimestamp string                    `json:"globalAckTimestamp,omitempty"`
	OverwriteLocalData bool                      `json:"overwriteLocalData"`
	PeerPresence       map[string]model.UserInfo `json:"peerPresence"`
}

// OpRe rebroadcasts operations a peer submitted.
type OpRe struct {
	Operations         []model.Operation `json:"operations"`
	Baselines          []model.Baseline  `json:"baselines"`
	ReplicaID          string            `json:"replicaId"`
	GlobalAckTimestamp string            `json:"globalAckTimestamp,omitempty"`
}

// GlobalAck announces a new library-wide compaction watermark.
type GlobalAck struct {
	Timestamp string `json:"timestamp"`
}

// NeedSince asks a replica to resend its history since Since.
type NeedSince struct {
	Since *string `json:"since"`
}

// ServerAck confirms the server stored everything up to Timestamp.
type ServerAck struct {
	Timestamp string `json:"timestamp"`
}

// Forbidden rejects a message. No state was changed.
type Forbidden struct {
	Reason string `json:"reason,omitempty"`
}

// PresenceChanged announces a peer's presence.
type PresenceChanged struct {
	ReplicaID string         `json:"replicaId"`
	UserInfo  model.UserInfo `json:"userInfo"`
}

// PresenceOffline announces that a peer's last connection closed.
type PresenceOffline struct {
	ReplicaID string `json:"replicaId"`
	UserID    string `json:"userId"`
}

// HeartbeatResponse answers a heartbeat.
type HeartbeatResponse struct{}

func (Sync) MessageType() Type              { return TypeSync }
func (Op) MessageType() Type                { return TypeOp }
func (Ack) MessageType() Type               { return TypeAck }
func (Heartbeat) MessageType() Type         { return TypeHeartbeat }
func (PresenceUpdate) MessageType() Type    { return TypePresenceUpdate }
func (SyncResp) MessageType() Type          { return TypeSyncResp }
func (OpRe) MessageType() Type              { return TypeOpRe }
func (GlobalAck) MessageType() Type         { return TypeGlobalAck }
func (NeedSince) MessageType() Type         { return TypeNeedSince }
func (ServerAck) MessageType() Type         { return TypeServerAck }
func (Forbidden) MessageType() Type         { return TypeForbidden }
func (PresenceChanged) MessageType() Type   { return TypePresenceChanged }
func (PresenceOffline) MessageType() Type   { return TypePresenceOffline }
func (HeartbeatResponse) MessageType() Type { return TypeHeartbeatResponse }

// IsMutating reports whether m can change library state.
func IsMutating(m Message) bool {
	switch t := m.(type) {
	case Sync:
		return len(t.Operations) > 0 || len(t.Baselines) > 0
	case Op:
		return true
	}
	return false
}

// Timestamps returns every HLC timestamp carried by m.
func Timestamps(m Message) []string {
	var out []string
	add := func(ts string) {
		if ts != "" {
			out = append(out, ts)
		}
	}
	ops := func(list []model.Operation) {
		for _, op := range list {
			add(op.Timestamp)
		}
	}
	bases := func(list []model.Baseline) {
		for _, b := range list {
			add(b.Timestamp)
		}
	}
	switch t := m.(type) {
	case Sync:
		add(t.Timestamp)
		ops(t.Operations)
		bases(t.Baselines)
	case Op:
		add(t.Timestamp)
		ops(t.Operations)
	case SyncResp:
		ops(t.Operations)
		bases(t.Baselines)
		add(t.AckedTimestamp)
		add(t.GlobalAckTimestamp)
	case OpRe:
		ops(t.Operations)
		bases(t.Baselines)
		add(t.GlobalAckTimestamp)
	case GlobalAck:
		add(t.Timestamp)
	case ServerAck:
		add(t.Timestamp)
	}
	return out
}
