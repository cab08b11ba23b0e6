package cache

import (
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/pkg/captured"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]CacheProvider {
	t.Helper()
	sqlite, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]CacheProvider{
		"sqlite": sqlite,
		"memory": NewMemCache(),
	}
}

func entry(key, body string) CacheEntry {
	return CacheEntry{
		Key:      key,
		StoredAt: time.Now(),
		Response: captured.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/plain"}},
			Body:       []byte(body),
		},
	}
}

func TestPutGet(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Put("v1", entry("GET:/", "index")))

			ce, ok, err := p.Get("v1", "GET:/")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "GET:/", ce.Key)
			assert.Equal(t, http.StatusOK, ce.Response.StatusCode)
			assert.Equal(t, "text/plain", ce.Response.Header.Get("Content-Type"))
			assert.Equal(t, "index", string(ce.Response.Body))

			_, ok, err = p.Get("v2", "GET:/")
			require.NoError(t, err)
			assert.False(t, ok, "entry leaked into another namespace")

			_, ok, err = p.Get("v1", "GET:/missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPutReplacesExistingKey(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Put("v1", entry("GET:/a", "old")))
			require.NoError(t, p.Put("v1", entry("GET:/a", "new")))

			ce, ok, err := p.Get("v1", "GET:/a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "new", string(ce.Response.Body))
		})
	}
}

func TestPutAllAndDeleteNamespace(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.PutAll("v1", []CacheEntry{entry("GET:/a", "a"), entry("GET:/b", "b")}))
			require.NoError(t, p.Put("v2", entry("GET:/a", "a2")))

			namespaces, err := p.Namespaces()
			require.NoError(t, err)
			assert.Equal(t, []string{"v1", "v2"}, namespaces)

			require.NoError(t, p.DeleteNamespace("v1"))

			for _, key := range []string{"GET:/a", "GET:/b"} {
				_, ok, err := p.Get("v1", key)
				require.NoError(t, err)
				assert.False(t, ok, key)
			}
			ce, ok, err := p.Get("v2", "GET:/a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "a2", string(ce.Response.Body))

			namespaces, err = p.Namespaces()
			require.NoError(t, err)
			assert.Equal(t, []string{"v2"}, namespaces)

			// deleting again is a no-op
			require.NoError(t, p.DeleteNamespace("v1"))
		})
	}
}

func TestEvict(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.PutAll("v1", []CacheEntry{entry("GET:/a", "a"), entry("GET:/b", "b")}))
			require.NoError(t, p.Evict("v1", "GET:/a"))
			require.NoError(t, p.Evict("v1", "GET:/never-stored"))

			_, ok, _ := p.Get("v1", "GET:/a")
			assert.False(t, ok)
			_, ok, _ = p.Get("v1", "GET:/b")
			assert.True(t, ok)
		})
	}
}

func TestStoredBodyIsNotShared(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ce := entry("GET:/a", "hello")
			require.NoError(t, p.Put("v1", ce))
			ce.Response.Body[0] = 'j'

			got, _, err := p.Get("v1", "GET:/a")
			require.NoError(t, err)
			assert.Equal(t, "hello", string(got.Response.Body))
			got.Response.Body[0] = 'y'

			again, _, err := p.Get("v1", "GET:/a")
			require.NoError(t, err)
			assert.Equal(t, "hello", string(again.Response.Body))
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "cache.db")
	c, err := NewSQLiteCache(filename)
	require.NoError(t, err)
	require.NoError(t, c.Put("v1", entry("GET:/a", "persisted")))
	require.NoError(t, c.Close())

	c, err = NewSQLiteCache(filename)
	require.NoError(t, err)
	defer c.Close()
	ce, ok, err := c.Get("v1", "GET:/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", string(ce.Response.Body))
}

func TestConcurrentPuts(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, p.Put("v1", entry(fmt.Sprintf("GET:/%d", i), "x")))
				}(i)
			}
			wg.Wait()

			for i := 0; i < 20; i++ {
				_, ok, err := p.Get("v1", fmt.Sprintf("GET:/%d", i))
				require.NoError(t, err)
				assert.True(t, ok)
			}
		})
	}
}
