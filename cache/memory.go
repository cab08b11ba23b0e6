package cache

import (
	"sort"
	"sync"
)

// MemCache keeps entries in process memory. It does not survive restarts.
type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string]CacheEntry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]CacheEntry),
	}
}

func (m MemCache) Get(namespace, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[namespace][key]
	if !ok {
		return CacheEntry{}, false, nil
	}
	// callers may not modify what is stored
	entry.Response = entry.Response.Clone()
	return entry, true, nil
}

func (m MemCache) Put(namespace string, ce CacheEntry) error {
	return m.PutAll(namespace, []CacheEntry{ce})
}

func (m MemCache) PutAll(namespace string, entries []CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if len(entries) == 0 {
		return nil
	}
	ns, ok := m.db[namespace]
	if !ok {
		ns = make(map[string]CacheEntry)
		m.db[namespace] = ns
	}
	for _, ce := range entries {
		ce.Response = ce.Response.Clone()
		ns[ce.Key] = ce
	}
	return nil
}

func (m MemCache) Evict(namespace, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	ns, ok := m.db[namespace]
	if !ok {
		return nil
	}
	delete(ns, key)
	if len(ns) == 0 {
		delete(m.db, namespace)
	}
	return nil
}

func (m MemCache) DeleteNamespace(namespace string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, namespace)
	return nil
}

func (m MemCache) Namespaces() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	namespaces := make([]string, 0, len(m.db))
	for ns := range m.db {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	return namespaces, nil
}
