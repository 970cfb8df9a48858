package replay

import (
	"sort"

	"github.com/daviddao/verdant/pkg/model"
)

// document is the replay state of one document root: baselines plus
// confirmed and pending operations for every node under that root.
type document struct {
	root      string
	baselines map[string]model.Baseline
	confirmed map[string][]model.Operation
	pending   map[string][]model.Operation
}

func newDocument(root string) *document {
	return &document{
		root:      root,
		baselines: make(map[string]model.Baseline),
		confirmed: make(map[string][]model.Operation),
		pending:   make(map[string][]model.Operation),
	}
}

// insertSorted places op into list by timestamp. A duplicate timestamp is
// rejected and reported as false.
func insertSorted(list []model.Operation, op model.Operation) ([]model.Operation, bool) {
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp >= op.Timestamp })
	if i < len(list) && list[i].Timestamp == op.Timestamp {
		return list, false
	}
	list = append(list, model.Operation{})
	copy(list[i+1:], list[i:])
	list[i] = op
	return list, true
}

func hasTimestamp(list []model.Operation, ts string) bool {
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp >= ts })
	return i < len(list) && list[i].Timestamp == ts
}

func removeTimestamp(list []model.Operation, ts string) ([]model.Operation, bool) {
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp >= ts })
	if i < len(list) && list[i].Timestamp == ts {
		return append(list[:i], list[i+1:]...), true
	}
	return list, false
}

func (d *document) addConfirmed(op model.Operation) bool {
	// A confirmed copy of a pending operation replaces it.
	if p, ok := removeTimestamp(d.pending[op.OID], op.Timestamp); ok {
		d.setPending(op.OID, p)
	}
	list, ok := insertSorted(d.confirmed[op.OID], op)
	if ok {
		d.confirmed[op.OID] = list
	}
	return ok
}

func (d *document) addPending(op model.Operation) bool {
	if hasTimestamp(d.confirmed[op.OID], op.Timestamp) {
		return false
	}
	list, ok := insertSorted(d.pending[op.OID], op)
	if ok {
		d.pending[op.OID] = list
	}
	return ok
}

func (d *document) setPending(id string, list []model.Operation) {
	if len(list) == 0 {
		delete(d.pending, id)
		return
	}
	d.pending[id] = list
}

// addBaseline replaces the current baseline only when b is strictly newer,
// and drops confirmed operations it covers.
func (d *document) addBaseline(b model.Baseline) bool {
	if cur, ok := d.baselines[b.OID]; ok && cur.Timestamp >= b.Timestamp {
		return false
	}
	d.baselines[b.OID] = b
	list := d.confirmed[b.OID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp > b.Timestamp })
	if i > 0 {
		list = append([]model.Operation(nil), list[i:]...)
	}
	if len(list) == 0 {
		delete(d.confirmed, b.OID)
	} else {
		d.confirmed[b.OID] = list
	}
	return true
}

func (d *document) oids() []string {
	set := make(map[string]bool)
	for id := range d.baselines {
		set[id] = true
	}
	for id := range d.confirmed {
		set[id] = true
	}
	for id := range d.pending {
		set[id] = true
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (d *document) hasPending() bool { return len(d.pending) > 0 }
