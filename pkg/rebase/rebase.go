// Package rebase folds old operations into baselines.
//
// Given a watermark W, every operation at or before W is replayed onto its
// node's baseline, the baseline moves to W and the folded operations are
// dropped. Replay skips operations at or before a baseline's timestamp, so
// a view computed before and after a fold is identical.
package rebase

import (
	"sort"

	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/patch"
)

// Result is the outcome of folding one node.
type Result struct {
	OID       string
	Baseline  model.Baseline
	Folded    []model.Operation
	Remaining []model.Operation
}

// Changed reports whether the fold moved anything out of the log.
func (r Result) Changed() bool { return len(r.Folded) > 0 }

// SortOperations orders ops by timestamp, keeping the first of any
// duplicate timestamps.
func SortOperations(ops []model.Operation) []model.Operation {
	out := append([]model.Operation(nil), ops...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	dedup := out[:0]
	for i, op := range out {
		if i > 0 && op.Timestamp == out[i-1].Timestamp {
			continue
		}
		dedup = append(dedup, op)
	}
	return dedup
}

// FoldOID folds the operations of one node onto base (nil when the node
// has no baseline). Operations are scanned in timestamp order; the first
// one after the watermark stops the scan, so the folded set is always a
// contiguous prefix of the node's history.
func FoldOID(id string, base *model.Baseline, ops []model.Operation, watermark string) Result {
	sorted := SortOperations(ops)
	res := Result{OID: id}
	var view any
	since := ""
	authz := ""
	if base != nil {
		view = model.CloneValue(base.Snapshot)
		since = base.Timestamp
		authz = base.Authz
	}
	stop := len(sorted)
	for i, op := range sorted {
		if op.Timestamp > watermark {
			stop = i
			break
		}
	}
	res.Folded = sorted[:stop]
	res.Remaining = sorted[stop:]
	if len(res.Folded) == 0 {
		if base != nil {
			res.Baseline = *base
		}
		return res
	}
	view, _ = patch.Replay(view, since, res.Folded)
	for _, op := range res.Folded {
		if authz == "" {
			authz = op.Authz
		}
	}
	ts := watermark
	if base != nil && base.Timestamp > ts {
		ts = base.Timestamp
	}
	res.Baseline = model.Baseline{OID: id, Timestamp: ts, Snapshot: view, Authz: authz}
	return res
}

// Plan folds every node in a batch of baselines and operations. Only
// results that changed are returned, ordered by OID.
func Plan(baselines map[string]model.Baseline, ops map[string][]model.Operation, watermark string) []Result {
	ids := make([]string, 0, len(ops))
	for id := range ops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []Result
	for _, id := range ids {
		var base *model.Baseline
		if b, ok := baselines[id]; ok {
			base = &b
		}
		if r := FoldOID(id, base, ops[id], watermark); r.Changed() {
			out = append(out, r)
		}
	}
	return out
}

// GroupByOID splits ops into per-node lists, preserving order.
func GroupByOID(ops []model.Operation) map[string][]model.Operation {
	out := make(map[string][]model.Operation)
	for _, op := range ops {
		out[op.OID] = append(out[op.OID], op)
	}
	return out
}
