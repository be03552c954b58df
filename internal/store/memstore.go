package store

import (
	"sync"

	"github.com/VictoriaMetrics/fastcache"
)

// MemStore is the in-memory Store substitute the design notes call for,
// backed by VictoriaMetrics/fastcache's byte-oriented cache rather than
// a bare map, since the real NVS it stands in for is byte-addressed too.
type MemStore struct {
	mu    sync.Mutex
	cache *fastcache.Cache
	keys  map[string]struct{} // fastcache has no key enumeration; tracked for Delete/size bookkeeping
}

// NewMemStore builds an in-memory Store with the given cache size in
// bytes (fastcache requires a fixed arena up front).
func NewMemStore(maxBytes int) *MemStore {
	return &MemStore{
		cache: fastcache.New(maxBytes),
		keys:  make(map[string]struct{}),
	}
}

func (m *MemStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cache.HasGet(nil, []byte(key))
	return v, ok
}

func (m *MemStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Set([]byte(key), value)
	m.keys[key] = struct{}{}
	return nil
}

func (m *MemStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Del([]byte(key))
	delete(m.keys, key)
	return nil
}
