package natsclient

import (
	"context"
	"sort"
	"sync"
)

// MemKV is an in-memory KV implementation for unit tests. It honors the
// same create/CAS semantics as the JetStream-backed KVStore.
type MemKV struct {
	mu      sync.Mutex
	entries map[string]*KVEntry
	nextRev uint64

	// FailNext, when set, makes the next mutating operation return the
	// error and clears itself. Lets tests exercise rollback paths.
	FailNext error
}

// NewMemKV creates an empty in-memory bucket
func NewMemKV() *MemKV {
	return &MemKV{entries: make(map[string]*KVEntry)}
}

func (m *MemKV) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

// Create stores a value only if the key does not exist yet
func (m *MemKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	if _, exists := m.entries[key]; exists {
		return 0, ErrKVKeyExists
	}

	m.nextRev++
	m.entries[key] = &KVEntry{Key: key, Value: append([]byte(nil), value...), Revision: m.nextRev}
	return m.nextRev, nil
}

// Get returns the entry for key
func (m *MemKV) Get(_ context.Context, key string) (*KVEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if !exists {
		return nil, ErrKVKeyNotFound
	}

	out := *entry
	out.Value = append([]byte(nil), entry.Value...)
	return &out, nil
}

// Put stores a value unconditionally
func (m *MemKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return 0, err
	}

	m.nextRev++
	m.entries[key] = &KVEntry{Key: key, Value: append([]byte(nil), value...), Revision: m.nextRev}
	return m.nextRev, nil
}

// Update stores a value only if the key is still at revision
func (m *MemKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return 0, err
	}

	entry, exists := m.entries[key]
	if !exists {
		return 0, ErrKVKeyNotFound
	}
	if entry.Revision != revision {
		return 0, ErrKVKeyExists
	}

	m.nextRev++
	m.entries[key] = &KVEntry{Key: key, Value: append([]byte(nil), value...), Revision: m.nextRev}
	return m.nextRev, nil
}

// Delete removes the key
func (m *MemKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, exists := m.entries[key]; !exists {
		return ErrKVKeyNotFound
	}

	delete(m.entries, key)
	return nil
}

// Keys lists all keys in sorted order
func (m *MemKV) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

var _ KV = (*MemKV)(nil)
var _ KV = (*KVStore)(nil)
