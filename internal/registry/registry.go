// Package registry implements the three process-wide lookup tables
// described in spec.md §4.6 (component C6): connection-id to
// connection, plugin-key to connection-id, and call-id to the
// plugin-key of the caller that is owed a result.
//
// Registry is generic over the connection type so that it carries no
// dependency on internal/connection; handlers resolve peers by id
// through the registry on every use rather than holding raw pointers,
// per the Open Question decision recorded in SPEC_FULL.md §6.
package registry

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// Map is a small thread-safe map, used to back each of Registry's
// four tables.
type Map[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func newMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{m: make(map[K]V)}
}

func (m *Map[K, V]) Get(k K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[k]
	return v, ok
}

func (m *Map[K, V]) Set(k K, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[k] = v
}

func (m *Map[K, V]) Delete(k K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, k)
}

func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// Snapshot returns a copy of the current entries, for the monitor
// dashboard to range over without holding the registry lock.
func (m *Map[K, V]) Snapshot() map[K]V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[K]V, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// PluginMeta is the business metadata a plugin announces via
// register: its name, description, author and license, plus the
// functions it exports.
type PluginMeta struct {
	Name        string
	Description string
	Author      string
	License     string
	Functions   []any
}

// Registry is the process-wide connection/plugin-key/call-id/metadata
// state. Its four tables are written from more than one goroutine (the
// connection engine's event loop, the accept loop registering new
// connections, and whichever goroutine releases a connection's last
// reference); Map's internal mutex makes those writes, and the monitor
// dashboard's concurrent snapshots, safe.
type Registry[C any] struct {
	Connections *Map[uint64, C]
	PluginKeys  *Map[string, uint64]     // plugin-key -> connection id
	Calls       *Map[uint64, string]     // call-id -> caller plugin-key
	Meta        *Map[string, PluginMeta] // plugin-key -> announced metadata

	idMu   sync.Mutex
	nextID uint64
}

// New creates an empty Registry.
func New[C any]() *Registry[C] {
	return &Registry[C]{
		Connections: newMap[uint64, C](),
		PluginKeys:  newMap[string, uint64](),
		Calls:       newMap[uint64, string](),
		Meta:        newMap[string, PluginMeta](),
	}
}

// NextConnectionID returns the next monotonically increasing
// connection id.
func (r *Registry[C]) NextConnectionID() uint64 {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	r.nextID++
	return r.nextID
}

// NextCallID draws a random call-id in [0, 2^48), per spec.md's
// dispatch.c-derived range for run's generated call identifiers.
func NextCallID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:6]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]) >> 16, nil
}

// RegisterConnection adds a new connection under id, which the caller
// obtains from NextConnectionID.
func (r *Registry[C]) RegisterConnection(id uint64, conn C) {
	r.Connections.Set(id, conn)
}

// ForgetConnection removes a connection and any plugin-key binding
// that still points at it. It does not touch Calls: a call-id owed to
// a now-gone caller stays recorded until the callee's result arrives,
// at which point the result verb removes it and finds no connection to
// deliver to.
func (r *Registry[C]) ForgetConnection(id uint64, pluginKey string) {
	r.Connections.Delete(id)
	if pluginKey != "" {
		if boundID, ok := r.PluginKeys.Get(pluginKey); ok && boundID == id {
			r.PluginKeys.Delete(pluginKey)
		}
	}
}

// BindPluginKey associates a registered plugin's key with its
// connection id.
func (r *Registry[C]) BindPluginKey(pluginKey string, connID uint64) {
	r.PluginKeys.Set(pluginKey, connID)
}

// RecordMeta stores the metadata a plugin announced via register.
func (r *Registry[C]) RecordMeta(pluginKey string, meta PluginMeta) {
	r.Meta.Set(pluginKey, meta)
}

// ResolveByPluginKey looks up the connection currently bound to a
// plugin-key.
func (r *Registry[C]) ResolveByPluginKey(pluginKey string) (C, bool) {
	var zero C
	connID, ok := r.PluginKeys.Get(pluginKey)
	if !ok {
		return zero, false
	}
	return r.Connections.Get(connID)
}
