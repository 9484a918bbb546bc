package realtime

import (
	"sync"

	"dispatch/internal/metrics"
)

// Class is the identity class of a registered connection.
type Class string

const (
	ClassDriver  Class = "driver"
	ClassTracker Class = "tracker"
	ClassAdmin   Class = "admin"
)

// Key identifies a registry entry. Admin keys carry no id: the admin class is a set.
type Key struct {
	Class Class  `json:"class"`
	ID    string `json:"id,omitempty"`
}

func DriverKey(driverID string) Key { return Key{Class: ClassDriver, ID: driverID} }
func TrackerKey(trackingID string) Key { return Key{Class: ClassTracker, ID: trackingID} }
func AdminKey() Key { return Key{Class: ClassAdmin} }

// slot maps an identity to at most one connection.
type slot struct {
	mu sync.RWMutex
	m  map[string]Conn
}

// Registry maps identities to open connections. Each class has its own lock, and no
// lock is held while a connection is closed or written to.
type Registry struct {
	drivers  slot
	trackers slot
	admins   slot // keyed by connection id
}

func NewRegistry() *Registry {
	return &Registry{
		drivers:  slot{m: map[string]Conn{}},
		trackers: slot{m: map[string]Conn{}},
		admins:   slot{m: map[string]Conn{}},
	}
}

func (r *Registry) slotFor(c Class) *slot {
	switch c {
	case ClassDriver:
		return &r.drivers
	case ClassTracker:
		return &r.trackers
	case ClassAdmin:
		return &r.admins
	}
	return nil
}

func slotKey(k Key, c Conn) string {
	if k.Class == ClassAdmin {
		return c.ID()
	}
	return k.ID
}

// Register makes c the connection for k. For driver and tracker keys any previous
// connection is evicted and closed with CloseReplaced; the evicted handle is returned.
func (r *Registry) Register(k Key, c Conn) (evicted Conn) {
	s := r.slotFor(k.Class)
	if s == nil {
		return nil
	}
	id := slotKey(k, c)
	s.mu.Lock()
	prev, ok := s.m[id]
	s.m[id] = c
	s.mu.Unlock()

	if ok && prev != c {
		metrics.Evictions.WithLabelValues(string(k.Class)).Inc()
		_ = prev.Close(CloseReplaced, "replaced by a newer connection")
		return prev
	}
	if !ok {
		metrics.Connections.WithLabelValues(string(k.Class)).Inc()
	}
	return nil
}

// Unregister removes c from k if it is still the current occupant. It is idempotent
// and reports whether an entry was removed.
func (r *Registry) Unregister(k Key, c Conn) bool {
	s := r.slotFor(k.Class)
	if s == nil || c == nil {
		return false
	}
	id := slotKey(k, c)
	s.mu.Lock()
	cur, ok := s.m[id]
	removed := ok && cur == c
	if removed {
		delete(s.m, id)
	}
	s.mu.Unlock()
	if removed {
		metrics.Connections.WithLabelValues(string(k.Class)).Dec()
	}
	return removed
}

// Remove drops whatever connection occupies a driver or tracker key.
func (r *Registry) Remove(k Key) (Conn, bool) {
	if k.Class == ClassAdmin {
		return nil, false
	}
	s := r.slotFor(k.Class)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	c, ok := s.m[k.ID]
	delete(s.m, k.ID)
	s.mu.Unlock()
	if ok {
		metrics.Connections.WithLabelValues(string(k.Class)).Dec()
	}
	return c, ok
}

func (r *Registry) Lookup(k Key) (Conn, bool) {
	if k.Class == ClassAdmin {
		return nil, false
	}
	s := r.slotFor(k.Class)
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	c, ok := s.m[k.ID]
	s.mu.RUnlock()
	return c, ok
}

// Admins returns a snapshot of the admin set.
func (r *Registry) Admins() []Conn {
	r.admins.mu.RLock()
	defer r.admins.mu.RUnlock()
	out := make([]Conn, 0, len(r.admins.m))
	for _, c := range r.admins.m {
		out = append(out, c)
	}
	return out
}

// Count returns the number of connections registered under class c.
func (r *Registry) Count(c Class) int {
	s := r.slotFor(c)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Entry pairs a registered connection with its key.
type Entry struct {
	Key  Key
	Conn Conn
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []Entry {
	var out []Entry
	for _, class := range []Class{ClassDriver, ClassTracker, ClassAdmin} {
		s := r.slotFor(class)
		s.mu.RLock()
		for id, c := range s.m {
			k := Key{Class: class, ID: id}
			if class == ClassAdmin {
				k = AdminKey()
			}
			out = append(out, Entry{Key: k, Conn: c})
		}
		s.mu.RUnlock()
	}
	return out
}
