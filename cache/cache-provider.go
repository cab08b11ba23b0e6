package cache

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/pkg/captured"
	"github.com/always-cache/offline-cache/pkg/faults"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for a cache provider.
// It stores and retrieves captured responses, partitioned into namespaces.
// A namespace is a version tag: a namespace holds at most one entry per key,
// and entries never expire on their own. They go away when their namespace
// is deleted or when they are evicted explicitly.
//
// Errors returned by implementations wrap faults.ErrPersistenceUnavailable.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Get returns the entry stored under key in namespace.
	// It also returns a boolean indicating whether the entry exists.
	Get(namespace, key string) (CacheEntry, bool, error)
	// Put stores the entry under its key in namespace, replacing any existing entry.
	Put(namespace string, ce CacheEntry) error
	// PutAll stores all entries in namespace, or none of them.
	PutAll(namespace string, entries []CacheEntry) error
	// Evict removes a single entry. Evicting an absent entry is not an error.
	Evict(namespace, key string) error
	// DeleteNamespace removes all entries of namespace at once.
	DeleteNamespace(namespace string) error
	// Namespaces lists the namespaces that hold at least one entry, sorted.
	Namespaces() ([]string, error)
}

type CacheEntry struct {
	Key      string
	StoredAt time.Time
	Response captured.Response
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, faults.Persistence("open cache db", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS cache (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (namespace, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, faults.Persistence("init cache db", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}

func (s SQLiteCache) Get(namespace, key string) (CacheEntry, bool, error) {
	var storedAt int64
	var bytes []byte
	err := s.db.QueryRow("SELECT stored_at, bytes FROM cache WHERE namespace = ? AND key = ?", namespace, key).
		Scan(&storedAt, &bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, faults.Persistence("read entry", err)
	}
	res, err := captured.Unmarshal(bytes)
	if err != nil {
		return CacheEntry{}, false, faults.Persistence("decode entry", err)
	}
	return CacheEntry{
		Key:      key,
		StoredAt: time.Unix(0, storedAt),
		Response: res,
	}, true, nil
}

func (s SQLiteCache) Put(namespace string, ce CacheEntry) error {
	return s.PutAll(namespace, []CacheEntry{ce})
}

func (s SQLiteCache) PutAll(namespace string, entries []CacheEntry) error {
	// encode before taking the lock
	encoded := make([][]byte, len(entries))
	for i, ce := range entries {
		b, err := captured.Marshal(ce.Response)
		if err != nil {
			return faults.Persistence("encode entry", err)
		}
		encoded[i] = b
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return faults.Persistence("begin write", err)
	}
	for i, ce := range entries {
		_, err := tx.Exec(`INSERT OR REPLACE INTO cache
			(namespace, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			namespace, ce.Key, ce.StoredAt.UnixNano(), encoded[i])
		if err != nil {
			tx.Rollback()
			return faults.Persistence("write entry", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return faults.Persistence("commit write", err)
	}
	return nil
}

func (s SQLiteCache) Evict(namespace, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE namespace = ? AND key = ?", namespace, key)
	if err != nil {
		return faults.Persistence("evict entry", err)
	}
	return nil
}

func (s SQLiteCache) DeleteNamespace(namespace string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	// a single statement runs in its own transaction,
	// so readers never see a partially deleted namespace
	_, err := s.db.Exec("DELETE FROM cache WHERE namespace = ?", namespace)
	if err != nil {
		return faults.Persistence("delete namespace", err)
	}
	return nil
}

func (s SQLiteCache) Namespaces() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT namespace FROM cache ORDER BY namespace")
	if err != nil {
		return nil, faults.Persistence("list namespaces", err)
	}
	defer rows.Close()

	namespaces := make([]string, 0)
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, faults.Persistence("list namespaces", err)
		}
		namespaces = append(namespaces, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Persistence("list namespaces", err)
	}
	return namespaces, nil
}
