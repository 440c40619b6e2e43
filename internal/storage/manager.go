package storage

import (
	"io"
	"sync"
	"time"
)

// Manager composes a Backend with usage accounting: every write updates
// used_bytes; every read updates last_access_at/access_count when tracking
// is on (spec.md §4.5).
type Manager struct {
	backend Backend
	track   bool

	mu        sync.Mutex
	objects   map[string]*StoredObject
	usedBytes int64
}

// NewManager wraps backend with accounting. track controls whether reads
// update last-access/access-count (disable for write-mostly workloads where
// the bookkeeping isn't needed).
func NewManager(backend Backend, track bool) *Manager {
	return &Manager{
		backend: backend,
		track:   track,
		objects: make(map[string]*StoredObject),
	}
}

// Put writes key via the backend and records it in the accounting table.
func (m *Manager) Put(key string, r io.Reader, size int64) error {
	if err := m.backend.Put(key, r, size); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.objects[key]; ok {
		m.usedBytes -= existing.Size
	}
	now := time.Now()
	m.objects[key] = &StoredObject{Key: key, Size: size, CreatedAt: now, LastAccessAt: now}
	m.usedBytes += size
	return nil
}

// Get reads key via the backend, updating access tracking fields if enabled.
func (m *Manager) Get(key string) (io.ReadCloser, error) {
	rc, err := m.backend.Get(key)
	if err != nil {
		return nil, err
	}
	if m.track {
		m.mu.Lock()
		if obj, ok := m.objects[key]; ok {
			obj.LastAccessAt = time.Now()
			obj.AccessCount++
		}
		m.mu.Unlock()
	}
	return rc, nil
}

// Delete removes key from both the backend and the accounting table.
func (m *Manager) Delete(key string) error {
	if err := m.backend.Delete(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[key]; ok {
		m.usedBytes -= obj.Size
		delete(m.objects, key)
	}
	return nil
}

// UsedBytes returns the current tracked aggregate size.
func (m *Manager) UsedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedBytes
}

// FileCount returns the number of tracked objects.
func (m *Manager) FileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Objects returns a snapshot of every tracked stored_object, for the
// eviction policy to select victims from.
func (m *Manager) Objects() []StoredObject {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StoredObject, 0, len(m.objects))
	for _, o := range m.objects {
		out = append(out, *o)
	}
	return out
}
