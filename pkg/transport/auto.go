package transport

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/daviddao/verdant/pkg/protocol"
)

// Mode selects which transport an AutoTransport runs.
type Mode int

const (
	ModePull Mode = iota
	ModeRealtime
)

func (m Mode) String() string {
	if m == ModeRealtime {
		return "realtime"
	}
	return "pull"
}

// AutoTransport runs exactly one underlying transport. It polls while the
// replica is alone and upgrades to realtime as soon as a peer is present,
// then downgrades once every peer has gone offline.
type AutoTransport struct {
	ctx      context.Context
	settings *ClientSettings
	handlers Handlers

	mu      sync.Mutex
	mode    Mode
	current Transport
	peers   map[string]bool
	closed  bool
	// Set when a mode switch is wanted; applied off the handler goroutine.
	switchTo chan Mode
	done     chan struct{}
}

// NewAutoTransport starts in pull mode.
func NewAutoTransport(ctx context.Context, settings *ClientSettings, handlers Handlers) (*AutoTransport, error) {
	t := &AutoTransport{
		ctx:      ctx,
		settings: settings,
		handlers: handlers,
		peers:    make(map[string]bool),
		switchTo: make(chan Mode, 1),
		done:     make(chan struct{}),
	}
	current, ready, err := t.start(ModePull)
	if err != nil {
		return nil, err
	}
	t.current = current
	close(ready)
	go t.run()
	return t, nil
}

// start opens a transport for mode. Its connect events are held until
// ready is closed, so a sync sent from Connect reaches the new transport.
func (t *AutoTransport) start(mode Mode) (Transport, chan struct{}, error) {
	ready := make(chan struct{})
	inner := t.handlers
	inner.Message = t.observe
	inner.Connect = func() {
		select {
		case <-ready:
		case <-t.ctx.Done():
			return
		}
		t.handlers.connect()
	}
	var (
		next Transport
		err  error
	)
	if mode == ModeRealtime {
		next, err = NewWebSocketTransport(t.ctx, t.settings, inner)
	} else {
		next, err = NewPullTransport(t.ctx, t.settings, inner)
	}
	return next, ready, err
}

// observe tracks peer presence before forwarding m.
func (t *AutoTransport) observe(m protocol.Message) {
	t.mu.Lock()
	switch msg := m.(type) {
	case protocol.SyncResp:
		t.peers = make(map[string]bool)
		for id := range msg.PeerPresence {
			t.peers[id] = true
		}
	case protocol.PresenceChanged:
		t.peers[msg.ReplicaID] = true
	case protocol.PresenceOffline:
		delete(t.peers, msg.ReplicaID)
	}
	want := ModePull
	if len(t.peers) > 0 {
		want = ModeRealtime
	}
	if want != t.mode && !t.closed {
		select {
		case t.switchTo <- want:
		default:
		}
	}
	t.mu.Unlock()
	t.handlers.message(m)
}

func (t *AutoTransport) run() {
	defer close(t.done)
	for {
		select {
		case <-t.ctx.Done():
			return
		case mode, ok := <-t.switchTo:
			if !ok {
				return
			}
			t.mu.Lock()
			if t.closed || mode == t.mode {
				t.mu.Unlock()
				continue
			}
			old := t.current
			t.mu.Unlock()

			old.Close()
			next, ready, err := t.start(mode)
			if err != nil {
				glog.Infof("[t]switch to %s: %v", mode, err)
				continue
			}
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				close(ready)
				next.Close()
				return
			}
			t.current = next
			t.mode = mode
			t.mu.Unlock()
			close(ready)
			glog.V(2).Infof("[t]switched to %s", mode)
		}
	}
}

// Mode returns the running mode.
func (t *AutoTransport) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

func (t *AutoTransport) Send(m protocol.Message) error {
	t.mu.Lock()
	current := t.current
	t.mu.Unlock()
	return current.Send(m)
}

func (t *AutoTransport) Connected() bool {
	t.mu.Lock()
	current := t.current
	t.mu.Unlock()
	return current.Connected()
}

func (t *AutoTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	current := t.current
	close(t.switchTo)
	t.mu.Unlock()
	<-t.done
	current.Close()
}
