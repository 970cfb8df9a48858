// Package frontier computes the global acknowledgement watermark of a
// library.
//
// Every replica reports the latest timestamp it has durably received (its
// ack). The global ack is the minimum ack across the replicas that still
// matter: a replica that has gone truant will be forced into a full resync
// on its next connection, so it no longer holds history back. Everything at
// or before the global ack has been seen by every live replica and may be
// folded into baselines.
package frontier

import (
	"sort"
	"time"

	"github.com/daviddao/verdant/pkg/model"
)

// IsTruant reports whether r has been away longer than truancy. A zero
// truancy disables the check.
func IsTruant(r model.Replica, now time.Time, truancy time.Duration) bool {
	if truancy <= 0 || r.LastSeen.IsZero() {
		return false
	}
	return now.Sub(r.LastSeen) > truancy
}

// Options selects which replicas participate in the global ack.
type Options struct {
	Now     time.Time
	Truancy time.Duration
	// Only, when non-nil, restricts the computation to these replica IDs
	// (for example the currently connected ones).
	Only map[string]bool
}

func (o Options) include(r model.Replica) bool {
	if o.Only != nil && !o.Only[r.ID] {
		return false
	}
	if r.AckedLogicalTime == "" {
		return false
	}
	return !IsTruant(r, o.Now, o.Truancy)
}

// ComputeGlobalAck returns the minimum ack across the included replicas, or
// "" when no replica qualifies.
func ComputeGlobalAck(replicas []model.Replica, opts Options) string {
	ack := ""
	for _, r := range replicas {
		if !opts.include(r) {
			continue
		}
		if ack == "" || r.AckedLogicalTime < ack {
			ack = r.AckedLogicalTime
		}
	}
	return ack
}

// Status is the result of a compaction safety check at one timestamp.
type Status struct {
	SafeToFold bool     `json:"safe_to_fold"`
	GlobalAck  string   `json:"global_ack,omitempty"`
	BlockedBy  []string `json:"blocked_by,omitempty"`
	Truant     []string `json:"truant,omitempty"`
}

// ComputeStatus checks whether history up to ts may be folded and lists
// the replicas holding it back.
func ComputeStatus(ts string, replicas []model.Replica, opts Options) Status {
	st := Status{GlobalAck: ComputeGlobalAck(replicas, opts)}
	for _, r := range replicas {
		if opts.Only != nil && !opts.Only[r.ID] {
			continue
		}
		if IsTruant(r, opts.Now, opts.Truancy) {
			st.Truant = append(st.Truant, r.ID)
			continue
		}
		if r.AckedLogicalTime != "" && r.AckedLogicalTime < ts {
			st.BlockedBy = append(st.BlockedBy, r.ID)
		}
	}
	sort.Strings(st.BlockedBy)
	sort.Strings(st.Truant)
	st.SafeToFold = st.GlobalAck != "" && len(st.BlockedBy) == 0
	return st
}
