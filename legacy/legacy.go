// Package legacy migrates data out of the flat string-keyed store used by
// earlier application versions. Keys matching known historical patterns are
// parsed, imported into the feed cache, and removed only on success; a
// failed key is recorded and left in place so the migration can be retried.

package legacy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store is the synchronous surface of the legacy flat key-value store.
// Get and Set mirror a browser-style string store; only enumeration can
// fail.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Remove(key string)
	Keys() ([]string, error)
}

// MemoryStore implements Store with an in-memory map. Suitable for tests
// and ephemeral use; data is lost when the process terminates.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore creates an empty in-memory legacy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemoryStore) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

func (m *MemoryStore) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

func (m *MemoryStore) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// snapshot copies the current contents for serialization.
func (m *MemoryStore) snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// FileStore is a Store backed by a single JSON file, the on-disk format of
// the legacy cache. Mutations happen in memory; Flush writes them back.
type FileStore struct {
	*MemoryStore
	path string
}

// OpenFile loads the legacy store at path. A missing file yields an empty
// store, matching a client that never wrote legacy data.
func OpenFile(path string) (*FileStore, error) {
	fs := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy store: %w", err)
	}
	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse legacy store: %w", err)
	}
	fs.data = data
	return fs, nil
}

// Flush writes the current contents back to the file.
func (f *FileStore) Flush() error {
	raw, err := json.MarshalIndent(f.snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode legacy store: %w", err)
	}
	dir := filepath.Dir(f.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create legacy store directory: %w", err)
		}
	}
	if err := os.WriteFile(f.path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write legacy store: %w", err)
	}
	return nil
}
