// Package mutation turns local edits into operations.
//
// Every edit is applied to the replay store as pending operations before
// any I/O, then queued. Queued operations flush as one batch when the
// batch window closes, or at once for document creation and deletion. A
// flush records the inverse of every edit in the batch on the undo stack
// and hands the operations to the submit callback for persistence and
// sync, so edits coalesced into one batch stay individually undoable.
package mutation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/daviddao/verdant/pkg/clock"
	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/patch"
	"github.com/daviddao/verdant/pkg/replay"
	"github.com/daviddao/verdant/pkg/schedule"
)

// DefaultWindow is the default batch window.
const DefaultWindow = 200 * time.Millisecond

// ErrNotFound is returned when editing a node that does not exist.
var ErrNotFound = errors.New("node not found")

// Options configures a Pipeline.
type Options struct {
	Store *replay.Store
	Clock *clock.Clock
	// Submit receives every flushed batch, in order.
	Submit func([]model.Operation)
	// Window is the batch window. Defaults to DefaultWindow.
	Window time.Duration
	// MaxHistory bounds the undo and redo stacks. Defaults to 100.
	MaxHistory int
	// NewSubID assigns sub-ids to nested objects created by edits.
	NewSubID func() string
	// Authz is attached to every operation the pipeline creates.
	Authz string
}

// Entry is one undoable unit: the operations that revert one edit.
// Timestamps are reissued when the entry is replayed.
type Entry struct {
	Ops []model.Operation
}

type source int

const (
	sourceEdit source = iota
	sourceUndo
	sourceRedo
	sourceUntracked
)

// change is one queued operation. Operations committed together share a
// group and the pre- and post-image of their nodes.
type change struct {
	op    model.Operation
	group int
	pre   any
	post  any
	src   source
}

// Pipeline is the local mutation pipeline. It is safe for concurrent use.
type Pipeline struct {
	opts  Options
	batch *schedule.Batcher[change]

	mu     sync.Mutex
	groups int
	undo   []Entry
	redo   []Entry
}

// New returns a pipeline writing into opts.Store.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil || opts.Clock == nil {
		return nil, fmt.Errorf("mutation: %w: store and clock are required", model.ErrConfiguration)
	}
	if opts.Window == 0 {
		opts.Window = DefaultWindow
	}
	if opts.MaxHistory == 0 {
		opts.MaxHistory = 100
	}
	p := &Pipeline{opts: opts}
	p.batch = schedule.NewBatcher(opts.Window, p.flush)
	return p, nil
}

func (p *Pipeline) now() string {
	return p.opts.Clock.Now(p.opts.Store.SchemaVersion())
}

func (p *Pipeline) diffOptions() patch.DiffOptions {
	return patch.DiffOptions{Now: p.now, NewSubID: p.opts.NewSubID, Authz: p.opts.Authz}
}

// Commit applies already-stamped operations as one undoable edit.
func (p *Pipeline) Commit(ops []model.Operation) {
	p.commit(ops, sourceEdit, false)
}

// CommitUntracked applies operations without recording an undo entry,
// flushing them at once. Used for migrations and other system edits.
func (p *Pipeline) CommitUntracked(ops []model.Operation) {
	p.batch.Flush()
	p.commit(ops, sourceUntracked, true)
}

func (p *Pipeline) commit(ops []model.Operation, src source, immediate bool) {
	if len(ops) == 0 {
		return
	}
	pre := make(map[string]any)
	for _, op := range ops {
		if _, ok := pre[op.OID]; !ok {
			pre[op.OID] = p.opts.Store.View(op.OID)
		}
	}
	p.opts.Store.AddOperations(ops, false)
	post := make(map[string]any, len(pre))
	for id := range pre {
		post[id] = p.opts.Store.View(id)
	}

	p.mu.Lock()
	p.groups++
	group := p.groups
	if src == sourceEdit {
		p.redo = nil
	}
	p.mu.Unlock()

	changes := make([]change, 0, len(ops))
	for _, op := range ops {
		changes = append(changes, change{op: op, group: group, pre: pre[op.OID], post: post[op.OID], src: src})
	}
	p.batch.Add(changes...)
	if immediate {
		p.batch.Flush()
	}
}

func (p *Pipeline) flush(items []change) {
	ops := make([]model.Operation, 0, len(items))
	for start := 0; start < len(items); {
		end := start
		for end < len(items) && items[end].group == items[start].group {
			end++
		}
		p.recordGroup(items[start:end])
		start = end
	}
	for _, it := range items {
		ops = append(ops, it.op)
	}
	glog.V(2).Infof("[mutation] flushed %d operations", len(ops))
	if p.opts.Submit != nil {
		p.opts.Submit(ops)
	}
}

// recordGroup records the inverse of one commit.
func (p *Pipeline) recordGroup(items []change) {
	var order []string
	pre := make(map[string]any)
	post := make(map[string]any)
	for _, it := range items {
		if _, ok := pre[it.op.OID]; !ok {
			pre[it.op.OID] = it.pre
			post[it.op.OID] = it.post
			order = append(order, it.op.OID)
		}
	}
	if inverse := p.inverse(order, pre, post); len(inverse) > 0 {
		p.record(items[0].src, Entry{Ops: inverse})
	}
}

// inverse computes operations that take each node from its post-image
// back to its pre-image.
func (p *Pipeline) inverse(order []string, pre, post map[string]any) []model.Operation {
	var out []model.Operation
	opts := patch.DiffOptions{Now: func() string { return "" }, Authz: p.opts.Authz}
	for _, id := range order {
		before := pre[id]
		after := post[id]
		switch {
		case before == nil && after == nil:
		case before == nil:
			out = append(out, model.Operation{OID: id, Data: model.Delete(), Authz: p.opts.Authz})
		case after == nil:
			out = append(out, model.Operation{OID: id, Data: model.Initialize(model.CloneValue(before)), Authz: p.opts.Authz})
		default:
			ops, err := patch.DiffViews(id, after, before, opts)
			if err != nil {
				glog.Warningf("[mutation] inverse of %s: %v", id, err)
				continue
			}
			out = append(out, ops...)
		}
	}
	return out
}

func (p *Pipeline) record(src source, e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch src {
	case sourceEdit, sourceRedo:
		p.undo = pushBounded(p.undo, e, p.opts.MaxHistory)
	case sourceUndo:
		p.redo = pushBounded(p.redo, e, p.opts.MaxHistory)
	}
}

func pushBounded(stack []Entry, e Entry, limit int) []Entry {
	stack = append(stack, e)
	if len(stack) > limit {
		stack = append([]Entry(nil), stack[len(stack)-limit:]...)
	}
	return stack
}

// Flush submits queued operations now.
func (p *Pipeline) Flush() { p.batch.Flush() }

// Stop flushes queued operations and rejects further ones.
func (p *Pipeline) Stop() { p.batch.Stop() }

// Undo reverts the latest undoable edit. Returns false when there is
// nothing to undo.
func (p *Pipeline) Undo() bool { return p.replayEntry(sourceUndo) }

// Redo reapplies the latest undone edit. Returns false when there is
// nothing to redo.
func (p *Pipeline) Redo() bool { return p.replayEntry(sourceRedo) }

func (p *Pipeline) replayEntry(src source) bool {
	p.batch.Flush()
	p.mu.Lock()
	stack := &p.undo
	if src == sourceRedo {
		stack = &p.redo
	}
	if len(*stack) == 0 {
		p.mu.Unlock()
		return false
	}
	e := (*stack)[len(*stack)-1]
	*stack = (*stack)[:len(*stack)-1]
	p.mu.Unlock()

	ops := make([]model.Operation, len(e.Ops))
	for i, op := range e.Ops {
		op.Timestamp = p.now()
		ops[i] = op
	}
	p.commit(ops, src, true)
	return true
}

// CanUndo reports whether Undo has anything to revert.
func (p *Pipeline) CanUndo() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.undo) > 0
}

// CanRedo reports whether Redo has anything to reapply.
func (p *Pipeline) CanRedo() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.redo) > 0
}

// ClearHistory drops both stacks.
func (p *Pipeline) ClearHistory() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.undo = nil
	p.redo = nil
}
