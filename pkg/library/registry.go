package library

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/daviddao/verdant/pkg/store"
)

// Registry owns the live Library actors of one server. Libraries are
// created on first use and share the registry's store and settings.
type Registry struct {
	store    store.StoreInterface
	settings *Settings

	mu        sync.Mutex
	libraries map[string]*Library
}

// NewRegistry returns a registry. A nil settings uses DefaultSettings.
func NewRegistry(st store.StoreInterface, settings *Settings) *Registry {
	if settings == nil {
		settings = DefaultSettings()
	}
	if settings.Now == nil {
		settings.Now = DefaultSettings().Now
	}
	return &Registry{
		store:     st,
		settings:  settings,
		libraries: make(map[string]*Library),
	}
}

// Store returns the registry's backing store.
func (r *Registry) Store() store.StoreInterface { return r.store }

// Get returns the library actor for id, creating it if needed.
func (r *Registry) Get(id string) *Library {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.libraries[id]; ok {
		return l
	}
	l := newLibrary(id, r.store, r.settings)
	r.libraries[id] = l
	glog.V(2).Infof("[registry] opened library %s", id)
	return l
}

// Loaded returns the IDs of libraries with a live actor.
func (r *Registry) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.libraries))
	for id := range r.libraries {
		ids = append(ids, id)
	}
	return ids
}

// Evict destroys a library's stored data. The actor is dropped when no
// session is connected; connected sessions stay attached and their next
// sync starts from nothing.
func (r *Registry) Evict(ctx context.Context, id string) error {
	l := r.Get(id)
	if err := l.Destroy(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.Connected() == 0 {
		delete(r.libraries, id)
		l.close()
	}
	return nil
}

// Close stops every library actor. The store is left open.
func (r *Registry) Close() {
	r.mu.Lock()
	libs := r.libraries
	r.libraries = make(map[string]*Library)
	r.mu.Unlock()
	for _, l := range libs {
		l.close()
	}
}
