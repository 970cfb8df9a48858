package protocol

import (
	"fmt"

	"github.com/daviddao/verdant/pkg/model"
)

// SelfSubject is the authz placeholder clients write before they know
// their user id. It is rewritten to the authenticated user on send.
const SelfSubject = "self"

// CanRead reports whether userID may see data tagged with authz. Empty
// authz is public; otherwise the subject must be the user.
func CanRead(authz, userID string) bool {
	return authz == "" || authz == userID
}

// FilterOperations returns the operations userID may read.
func FilterOperations(ops []model.Operation, userID string) []model.Operation {
	out := make([]model.Operation, 0, len(ops))
	for _, op := range ops {
		if CanRead(op.Authz, userID) {
			out = append(out, op)
		}
	}
	return out
}

// FilterBaselines returns the baselines userID may read.
func FilterBaselines(baselines []model.Baseline, userID string) []model.Baseline {
	out := make([]model.Baseline, 0, len(baselines))
	for _, b := range baselines {
		if CanRead(b.Authz, userID) {
			out = append(out, b)
		}
	}
	return out
}

// FilterFor returns m as userID should receive it.
func FilterFor(m Message, userID string) Message {
	switch t := m.(type) {
	case SyncResp:
		t.Operations = FilterOperations(t.Operations, userID)
		t.Baselines = FilterBaselines(t.Baselines, userID)
		return t
	case OpRe:
		t.Operations = FilterOperations(t.Operations, userID)
		t.Baselines = FilterBaselines(t.Baselines, userID)
		return t
	}
	return m
}

// RewriteSelf replaces the SelfSubject placeholder in m with userID.
func RewriteSelf(m Message, userID string) Message {
	switch t := m.(type) {
	case Sync:
		t.Operations = rewriteOps(t.Operations, userID)
		t.Baselines = rewriteBaselines(t.Baselines, userID)
		return t
	case Op:
		t.Operations = rewriteOps(t.Operations, userID)
		return t
	}
	return m
}

func rewriteOps(ops []model.Operation, userID string) []model.Operation {
	out := make([]model.Operation, len(ops))
	for i, op := range ops {
		if op.Authz == SelfSubject {
			op.Authz = userID
		}
		out[i] = op
	}
	return out
}

func rewriteBaselines(baselines []model.Baseline, userID string) []model.Baseline {
	out := make([]model.Baseline, len(baselines))
	for i, b := range baselines {
		if b.Authz == SelfSubject {
			b.Authz = userID
		}
		out[i] = b
	}
	return out
}

// CheckWrite rejects data that claims a subject other than userID.
func CheckWrite(m Message, userID string) error {
	var ops []model.Operation
	var baselines []model.Baseline
	switch t := m.(type) {
	case Sync:
		ops, baselines = t.Operations, t.Baselines
	case Op:
		ops = t.Operations
	}
	for _, op := range ops {
		if !CanRead(op.Authz, userID) {
			return fmt.Errorf("%w: operation on %s authorized for another user", model.ErrForbidden, op.OID)
		}
	}
	for _, b := range baselines {
		if !CanRead(b.Authz, userID) {
			return fmt.Errorf("%w: baseline of %s authorized for another user", model.ErrForbidden, b.OID)
		}
	}
	return nil
}
