// Package model defines the core domain types for verdant.
//
// A document is a tree of objects and lists addressed by OIDs (see package
// oid). Stored state is normalized: every object or list is its own node
// keyed by OID, and a parent refers to a child through a Ref. Nodes change
// only through Operations, each carrying one Patch and an HLC timestamp.
//
//   - Operations for one OID are replayed in timestamp order over that
//     OID's Baseline, the last folded snapshot.
//   - Replicas acknowledge how far they have seen; the minimum over all
//     replicas (the global ack) bounds how much history may be folded.
package model

import (
	"encoding/json"
	"time"
)

// Operation is an immutable change to one node.
type Operation struct {
	OID       string `json:"oid"`
	Timestamp string `json:"timestamp"`
	Data      Patch  `json:"data"`
	Authz     string `json:"authz,omitempty"`
}

// Baseline is a fully materialized node as of Timestamp. A nil Snapshot is
// a tombstone for a deleted node.
type Baseline struct {
	OID       string `json:"oid"`
	Timestamp string `json:"timestamp"`
	Snapshot  any    `json:"snapshot"`
	Authz     string `json:"authz,omitempty"`
}

// ReplicaType enumerates the kinds of client connections to a library.
type ReplicaType string

const (
	ReplicaRealtime         ReplicaType = "realtime"
	ReplicaPushPull         ReplicaType = "push-pull"
	ReplicaPassive          ReplicaType = "passive"
	ReplicaReadOnlyRealtime ReplicaType = "read-only-realtime"
	ReplicaReadOnlyPull     ReplicaType = "read-only-pull"
)

// CanWrite reports whether replicas of this type may submit operations.
func (t ReplicaType) CanWrite() bool {
	switch t {
	case ReplicaRealtime, ReplicaPushPull, ReplicaPassive:
		return true
	}
	return false
}

// Valid reports whether t is a known replica type.
func (t ReplicaType) Valid() bool {
	switch t {
	case ReplicaRealtime, ReplicaPushPull, ReplicaPassive, ReplicaReadOnlyRealtime, ReplicaReadOnlyPull:
		return true
	}
	return false
}

// Replica is one client instance registered with a library.
type Replica struct {
	ID                    string      `json:"id"`
	LibraryID             string      `json:"library_id"`
	UserID                string      `json:"user_id"`
	Type                  ReplicaType `json:"type"`
	AckedLogicalTime      string      `json:"acked_logical_time,omitempty"`
	LastSyncedLogicalTime string      `json:"last_synced_logical_time,omitempty"`
	Registered            time.Time   `json:"registered_at"`
	LastSeen              time.Time   `json:"last_seen_at"`
}

// LocalReplica is a client's record of its own identity and sync progress.
type LocalReplica struct {
	ID                    string `json:"id"`
	UserID                string `json:"user_id,omitempty"`
	LastSyncedLogicalTime string `json:"last_synced_logical_time,omitempty"`
	AckedLogicalTime      string `json:"acked_logical_time,omitempty"`
}

// UserInfo is the presence record of one replica as seen by peers.
type UserInfo struct {
	ID        string         `json:"id"`
	ReplicaID string         `json:"replicaId"`
	Profile   map[string]any `json:"profile,omitempty"`
	Presence  any            `json:"presence"`
	Internal  map[string]any `json:"internal,omitempty"`
}

// AckInfo is the server's view of library-wide acknowledgement.
type AckInfo struct {
	GlobalAck string `json:"global_ack,omitempty"`
	Replicas  int    `json:"replicas"`
}

// LibraryInfo summarizes the stored state of one library.
type LibraryInfo struct {
	ID                 string    `json:"id"`
	OperationCount     int64     `json:"operation_count"`
	BaselineCount      int64     `json:"baseline_count"`
	Replicas           []Replica `json:"replicas"`
	GlobalAck          string    `json:"global_ack,omitempty"`
	LatestServerActive time.Time `json:"latest_server_active_at,omitempty"`
}

// UnmarshalJSON decodes a baseline, lifting refs inside its snapshot.
func (b *Baseline) UnmarshalJSON(data []byte) error {
	type plain Baseline
	var in plain
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	in.Snapshot = NormalizeValue(in.Snapshot)
	*b = Baseline(in)
	return nil
}
