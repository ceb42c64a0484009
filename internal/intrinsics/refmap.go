package intrinsics

import (
	"sync"
)

// RefMap maps logical identifiers (and "LogicalId.Attribute" composites) to
// the concrete local values assigned at startup. Keys are write-once: the
// first writer wins and later writes are ignored, so reads after startup
// never observe a value change.
type RefMap struct {
	mu   sync.RWMutex
	vals map[string]string
}

// NewRefMap returns an empty reference map.
func NewRefMap() *RefMap {
	return &RefMap{vals: make(map[string]string)}
}

// Set records the concrete value for a key. Returns false when the key was
// already set (the existing value is kept).
func (m *RefMap) Set(key, value string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.vals[key]; exists {
		return false
	}
	m.vals[key] = value
	return true
}

// Get returns the concrete value for a key.
func (m *RefMap) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vals[key]
	return v, ok
}

// Snapshot returns a copy of the full mapping, for the management API.
func (m *RefMap) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.vals))
	for k, v := range m.vals {
		out[k] = v
	}
	return out
}
