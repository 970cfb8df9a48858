// Package replay materializes document views from baselines and
// operation logs.
//
// The store keeps, per document root, every node's baseline plus its
// confirmed (durably stored) and pending (applied optimistically, not yet
// stored) operations. A view is computed on demand: the baseline, then
// confirmed operations newer than it, then pending operations, each in
// timestamp order. Operations stamped with a newer schema version than the
// store's are kept but never applied.
package replay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/daviddao/verdant/pkg/clock"
	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/oid"
	"github.com/daviddao/verdant/pkg/patch"
	"github.com/daviddao/verdant/pkg/rebase"
	"github.com/daviddao/verdant/pkg/schedule"
)

// Loader hydrates a document that is not in memory.
type Loader interface {
	LoadDocument(ctx context.Context, root string) ([]model.Baseline, []model.Operation, error)
}

// Options configures a Store.
type Options struct {
	// SchemaVersion is the local schema version. Operations stamped with a
	// newer version are not applied.
	SchemaVersion int
	// OnFutureSeen is called once when the first future-version operation
	// arrives, and again after each Reset.
	OnFutureSeen func(model.Operation)
	// Loader enables eviction of unsubscribed documents. Without a loader
	// every document stays in memory.
	Loader Loader
	// EvictAfter is how long a document with no subscribers stays cached.
	EvictAfter time.Duration
}

// Change reports the nodes of one document whose state changed.
type Change struct {
	Root string
	OIDs []string
}

type subscriber struct {
	id int
	fn func(Change)
}

type subscription struct {
	subs  []subscriber
	evict *schedule.Debouncer
}

// Store is the replay store. It is safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	opts       Options
	docs       map[string]*document
	subs       map[string]*subscription
	global     []subscriber
	nextSub    int
	futureSeen bool
}

// New returns an empty store.
func New(opts Options) *Store {
	if opts.EvictAfter == 0 {
		opts.EvictAfter = 5 * time.Second
	}
	return &Store{
		opts: opts,
		docs: make(map[string]*document),
		subs: make(map[string]*subscription),
	}
}

// SchemaVersion returns the store's schema version.
func (s *Store) SchemaVersion() int { return s.opts.SchemaVersion }

func (s *Store) doc(root string, create bool) *document {
	d, ok := s.docs[root]
	if !ok && create {
		d = newDocument(root)
		s.docs[root] = d
	}
	return d
}

// loaded reports whether incoming data for root should be held in memory.
func (s *Store) loaded(root string) bool {
	_, ok := s.docs[root]
	return ok || s.opts.Loader == nil
}

func (s *Store) checkFuture(op model.Operation) *model.Operation {
	if clock.SchemaVersion(op.Timestamp) <= s.opts.SchemaVersion || s.futureSeen {
		return nil
	}
	s.futureSeen = true
	return &op
}

// AddOperations inserts operations and returns the OIDs whose state
// changed. Duplicates (same OID and timestamp) are ignored.
func (s *Store) AddOperations(ops []model.Operation, confirmed bool) []string {
	s.mu.Lock()
	changes := make(map[string]map[string]bool)
	var future *model.Operation
	for _, op := range ops {
		root := oid.Root(op.OID)
		if !confirmed || s.loaded(root) {
			d := s.doc(root, true)
			var ok bool
			if confirmed {
				ok = d.addConfirmed(op)
			} else {
				ok = d.addPending(op)
			}
			if !ok {
				continue
			}
		}
		if f := s.checkFuture(op); f != nil {
			future = f
		}
		markChanged(changes, root, op.OID)
	}
	notify := s.collect(changes)
	s.mu.Unlock()

	if future != nil && s.opts.OnFutureSeen != nil {
		s.opts.OnFutureSeen(*future)
	}
	return dispatch(notify)
}

// AddBaselines inserts baselines, keeping an existing one unless the new
// one is strictly newer. Returns the OIDs whose state changed.
func (s *Store) AddBaselines(baselines []model.Baseline) []string {
	s.mu.Lock()
	changes := make(map[string]map[string]bool)
	for _, b := range baselines {
		root := oid.Root(b.OID)
		if s.loaded(root) && !s.doc(root, true).addBaseline(b) {
			continue
		}
		markChanged(changes, root, b.OID)
	}
	notify := s.collect(changes)
	s.mu.Unlock()
	return dispatch(notify)
}

// Confirm marks pending operations as durably stored. Views do not change,
// so no subscriber is notified.
func (s *Store) Confirm(ops []model.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if d := s.doc(oid.Root(op.OID), false); d != nil {
			d.addConfirmed(op)
		}
	}
}

// Discard drops pending operations without confirming them.
func (s *Store) Discard(ops []model.Operation) []string {
	s.mu.Lock()
	changes := make(map[string]map[string]bool)
	for _, op := range ops {
		root := oid.Root(op.OID)
		d := s.doc(root, false)
		if d == nil {
			continue
		}
		if list, ok := removeTimestamp(d.pending[op.OID], op.Timestamp); ok {
			d.setPending(op.OID, list)
			markChanged(changes, root, op.OID)
		}
	}
	notify := s.collect(changes)
	s.mu.Unlock()
	return dispatch(notify)
}

// Pending returns every pending operation, ordered by timestamp.
func (s *Store) Pending() []model.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Operation
	for _, d := range s.docs {
		for _, list := range d.pending {
			out = append(out, list...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// View computes the normalized view of one node. A nil result means the
// node does not exist or has been deleted.
func (s *Store) View(id string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.computeView(id)
}

func (s *Store) computeView(id string) any {
	d := s.doc(oid.Root(id), false)
	if d == nil {
		return nil
	}
	var view any
	since := ""
	if b, ok := d.baselines[id]; ok {
		view = model.CloneValue(b.Snapshot)
		since = b.Timestamp
	}
	apply := func(list []model.Operation) {
		var current []model.Operation
		for _, op := range list {
			if clock.SchemaVersion(op.Timestamp) > s.opts.SchemaVersion {
				continue
			}
			current = append(current, op)
		}
		var errs []error
		view, errs = patch.Replay(view, since, current)
		for _, err := range errs {
			glog.Warningf("[replay] skipped operation: %v", err)
		}
	}
	apply(d.confirmed[id])
	apply(d.pending[id])
	return view
}

// Views returns the computed view of every node in a document.
func (s *Store) Views(root string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.doc(oid.Root(root), false)
	if d == nil {
		return nil
	}
	out := make(map[string]any)
	for _, id := range d.oids() {
		if v := s.computeView(id); v != nil {
			out[id] = v
		}
	}
	return out
}

// Snapshot returns the denormalized document rooted at root, or nil when
// it does not exist.
func (s *Store) Snapshot(root string) *patch.Node {
	views := s.Views(root)
	if views == nil {
		return nil
	}
	return patch.Denormalize(oid.Root(root), views)
}

// Roots returns the roots of every document in memory.
func (s *Store) Roots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.docs))
	for root := range s.docs {
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

// Rebase folds confirmed operations at or before watermark into baselines.
// Future-version operations are never folded, nor are nodes with pending
// operations at or before watermark. Views do not change.
func (s *Store) Rebase(watermark string) []rebase.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rebase.Result
	for _, d := range s.docs {
		for id, list := range d.confirmed {
			if p := d.pending[id]; len(p) > 0 && p[0].Timestamp <= watermark {
				continue
			}
			var foldable []model.Operation
			for _, op := range list {
				if clock.SchemaVersion(op.Timestamp) > s.opts.SchemaVersion {
					break
				}
				foldable = append(foldable, op)
			}
			var base *model.Baseline
			if b, ok := d.baselines[id]; ok {
				base = &b
			}
			r := rebase.FoldOID(id, base, foldable, watermark)
			if !r.Changed() {
				continue
			}
			d.baselines[id] = r.Baseline
			rest := list[len(r.Folded):]
			if len(rest) == 0 {
				delete(d.confirmed, id)
			} else {
				d.confirmed[id] = append([]model.Operation(nil), rest...)
			}
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OID < out[j].OID })
	return out
}

// Reset replaces all state with the given baselines and confirmed
// operations. Every document that existed before or after is reported.
func (s *Store) Reset(baselines []model.Baseline, ops []model.Operation) []string {
	s.mu.Lock()
	changes := make(map[string]map[string]bool)
	for root, d := range s.docs {
		for _, id := range d.oids() {
			markChanged(changes, root, id)
		}
	}
	s.docs = make(map[string]*document)
	s.futureSeen = false
	for _, b := range baselines {
		root := oid.Root(b.OID)
		s.doc(root, true).addBaseline(b)
		markChanged(changes, root, b.OID)
	}
	var future *model.Operation
	for _, op := range ops {
		root := oid.Root(op.OID)
		s.doc(root, true).addConfirmed(op)
		if f := s.checkFuture(op); f != nil {
			future = f
		}
		markChanged(changes, root, op.OID)
	}
	notify := s.collect(changes)
	s.mu.Unlock()
	if future != nil && s.opts.OnFutureSeen != nil {
		s.opts.OnFutureSeen(*future)
	}
	return dispatch(notify)
}

// Load hydrates root from the loader if it is not in memory.
func (s *Store) Load(ctx context.Context, root string) error {
	root = oid.Root(root)
	s.mu.Lock()
	_, ok := s.docs[root]
	s.mu.Unlock()
	if ok || s.opts.Loader == nil {
		return nil
	}
	baselines, ops, err := s.opts.Loader.LoadDocument(ctx, root)
	if err != nil {
		return fmt.Errorf("load %s: %w", root, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[root]; ok {
		return nil
	}
	d := s.doc(root, true)
	for _, b := range baselines {
		d.addBaseline(b)
	}
	for _, op := range ops {
		d.addConfirmed(op)
	}
	return nil
}

// Subscribe registers fn for changes to the document rooted at root and
// returns the function that removes it. When the last subscriber of a
// document goes away the document is evicted after EvictAfter, unless it
// is subscribed again or still has pending operations.
func (s *Store) Subscribe(root string, fn func(Change)) func() {
	root = oid.Root(root)
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[root]
	if !ok {
		sub = &subscription{}
		s.subs[root] = sub
	}
	if sub.evict != nil {
		sub.evict.Cancel()
	}
	s.nextSub++
	id := s.nextSub
	sub.subs = append(sub.subs, subscriber{id: id, fn: fn})
	var once sync.Once
	return func() { once.Do(func() { s.unsubscribe(root, id) }) }
}

// SubscribeAll registers fn for changes to any document.
func (s *Store) SubscribeAll(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.global = append(s.global, subscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.global = removeSubscriber(s.global, id)
	}
}

func (s *Store) unsubscribe(root string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[root]
	if !ok {
		return
	}
	sub.subs = removeSubscriber(sub.subs, id)
	if len(sub.subs) > 0 || s.opts.Loader == nil {
		return
	}
	if sub.evict == nil {
		sub.evict = schedule.NewDebouncer(s.opts.EvictAfter, func() { s.evict(root) })
	}
	sub.evict.Trigger()
}

func (s *Store) evict(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[root]; ok && len(sub.subs) > 0 {
		return
	}
	if d, ok := s.docs[root]; ok && d.hasPending() {
		return
	}
	delete(s.docs, root)
	delete(s.subs, root)
	glog.V(2).Infof("[replay] evicted %s", root)
}

// Cached reports whether root is held in memory.
func (s *Store) Cached(root string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[oid.Root(root)]
	return ok
}

func removeSubscriber(list []subscriber, id int) []subscriber {
	out := list[:0]
	for _, s := range list {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

func markChanged(changes map[string]map[string]bool, root, id string) {
	set, ok := changes[root]
	if !ok {
		set = make(map[string]bool)
		changes[root] = set
	}
	set[id] = true
}

type pendingNotify struct {
	change Change
	fns    []func(Change)
}

// collect snapshots the subscribers to notify. Caller holds s.mu.
func (s *Store) collect(changes map[string]map[string]bool) []pendingNotify {
	roots := make([]string, 0, len(changes))
	for root := range changes {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	out := make([]pendingNotify, 0, len(roots))
	for _, root := range roots {
		ids := make([]string, 0, len(changes[root]))
		for id := range changes[root] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		n := pendingNotify{change: Change{Root: root, OIDs: ids}}
		if sub, ok := s.subs[root]; ok {
			for _, e := range sub.subs {
				n.fns = append(n.fns, e.fn)
			}
		}
		for _, e := range s.global {
			n.fns = append(n.fns, e.fn)
		}
		out = append(out, n)
	}
	return out
}

func dispatch(notify []pendingNotify) []string {
	var changed []string
	for _, n := range notify {
		changed = append(changed, n.change.OIDs...)
		for _, fn := range n.fns {
			fn(n.change)
		}
	}
	sort.Strings(changed)
	return changed
}
