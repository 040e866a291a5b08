// Package registry tracks every live assistant Supervisor by its
// (working directory, session id) key, fanning out each supervisor's events
// to every interested subscriber (a chat client pipeline, an admin socket
// connection) and handling the rekey from a tentative to a real session id
// once the assistant reports one.
package registry

import (
	"sync"

	"github.com/tgccd/tgccd/internal/process"
)

// Key identifies one running assistant instance.
type Key struct {
	WorkingDir string
	SessionID  string
}

// entry bundles a supervisor with its fan-out subscriber set.
type entry struct {
	sup         *process.Supervisor
	subscribers map[int]chan process.Event
	nextSubID   int
	stop        chan struct{}
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[Key]*entry)}
}

// Register adds a supervisor under key and starts fanning out its events.
// If key is already registered, the previous supervisor is left untouched
// and an error-free no-op occurs (callers are expected to check Find first).
func (r *Registry) Register(key Key, sup *process.Supervisor) {
	r.mu.Lock()
	if _, exists := r.entries[key]; exists {
		r.mu.Unlock()
		return
	}
	e := &entry{sup: sup, subscribers: make(map[int]chan process.Event), stop: make(chan struct{})}
	r.entries[key] = e
	r.mu.Unlock()

	go r.fanOut(key, e)
}

func (r *Registry) fanOut(key Key, e *entry) {
	for {
		select {
		case ev, ok := <-e.sup.Events():
			if !ok {
				return
			}
			r.mu.Lock()
			subs := make([]chan process.Event, 0, len(e.subscribers))
			for _, ch := range e.subscribers {
				subs = append(subs, ch)
			}
			r.mu.Unlock()
			for _, ch := range subs {
				select {
				case ch <- ev:
				default:
				}
			}
			if ev.Kind == process.KindExit {
				r.Remove(key)
				return
			}
		case <-e.stop:
			return
		}
	}
}

// Subscribe returns a channel of this supervisor's events and a cancel func.
// Returns ok=false if key is not registered.
func (r *Registry) Subscribe(key Key) (ch <-chan process.Event, cancel func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[key]
	if !exists {
		return nil, nil, false
	}
	id := e.nextSubID
	e.nextSubID++
	sub := make(chan process.Event, 64)
	e.subscribers[id] = sub
	return sub, func() { r.unsubscribe(key, id) }, true
}

func (r *Registry) unsubscribe(key Key, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return
	}
	if ch, ok := e.subscribers[id]; ok {
		delete(e.subscribers, id)
		close(ch)
	}
}

// Find returns the supervisor registered under key.
func (r *Registry) Find(key Key) (*process.Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.sup, true
}

// FindByProcess returns the key a given supervisor is registered under, if
// any, by linear scan; used when an admin connection only knows the pid.
func (r *Registry) FindByProcess(sup *process.Supervisor) (Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		if e.sup == sup {
			return key, true
		}
	}
	return Key{}, false
}

// Rekey moves a supervisor registered under a tentative session id (e.g.
// before the assistant's system/init event reports its real one) to its
// permanent key, preserving all subscribers.
func (r *Registry) Rekey(oldKey, newKey Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if oldKey == newKey {
		return true
	}
	e, ok := r.entries[oldKey]
	if !ok {
		return false
	}
	if _, collide := r.entries[newKey]; collide {
		return false
	}
	delete(r.entries, oldKey)
	r.entries[newKey] = e
	return true
}

// Remove tears down key's fan-out goroutine and closes all subscriber
// channels. Does not touch the supervisor itself.
func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	close(e.stop)
	for _, ch := range e.subscribers {
		close(ch)
	}
}

// Keys returns a snapshot of every registered key.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	return out
}
