package offlinecache

import (
	"context"
	"net/http"
	"testing"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/origin"
	"github.com/always-cache/offline-cache/pkg/captured"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manifestOrigin() http.Handler {
	mux := http.NewServeMux()
	for _, p := range []string{"/", "/index.html", "/js/index.js", "/css/styles.css"} {
		body := "content of " + p
		mux.HandleFunc(p, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != p {
				http.NotFound(w, r)
				return
			}
			w.Write([]byte(body))
		})
	}
	return mux
}

func TestInstallPreWarmsManifest(t *testing.T) {
	store := cache.NewMemCache()
	o := CreateCache(Config{
		Cache:    store,
		Origin:   origin.NewHandler(manifestOrigin()),
		Logger:   nopLogger(),
		Manifest: []string{"/", "/js/index.js", "/css/styles.css"},
	})
	defer o.Close()

	require.NoError(t, o.OnInstall(context.Background()))

	for _, p := range []string{"/", "/js/index.js", "/css/styles.css"} {
		ce, ok := stored(t, store, "GET:"+p)
		require.True(t, ok, p)
		assert.Equal(t, "content of "+p, string(ce.Response.Body))
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	store := cache.NewMemCache()
	o := CreateCache(Config{
		Cache:    store,
		Origin:   origin.NewHandler(manifestOrigin()),
		Logger:   nopLogger(),
		Manifest: []string{"/", "/missing.html", "/css/styles.css"},
	})
	defer o.Close()

	err := o.OnInstall(context.Background())
	assert.ErrorIs(t, err, ErrPreWarmFailed)

	for _, p := range []string{"/", "/missing.html", "/css/styles.css"} {
		_, ok := stored(t, store, "GET:"+p)
		assert.False(t, ok, p)
	}
	namespaces, err := store.Namespaces()
	require.NoError(t, err)
	assert.Empty(t, namespaces)
}

func TestInstallFailsWithUnreachableOrigin(t *testing.T) {
	o, server := newServerCache(t, manifestOrigin(), cache.NewMemCache())
	server.Close()

	err := o.OnInstall(context.Background())
	assert.ErrorIs(t, err, ErrPreWarmFailed)
	assert.ErrorIs(t, err, ErrOriginUnreachable)
}

func TestInstalledEntriesAreServedOffline(t *testing.T) {
	store := cache.NewMemCache()
	o, server := newServerCache(t, manifestOrigin(), store)
	o.manifest = []string{"/", "/index.html"}

	require.NoError(t, o.OnInstall(context.Background()))
	server.Close()

	rr := get(t, o, "/index.html")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "content of /index.html", rr.Body.String())
}

func TestActivateDeletesStaleNamespaces(t *testing.T) {
	store := cache.NewMemCache()
	entry := cache.CacheEntry{
		Key:      "GET:/",
		Response: captured.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("x")},
	}
	require.NoError(t, store.Put("v1", entry))
	require.NoError(t, store.Put("v2", entry))

	o := CreateCache(Config{
		Cache:          store,
		Origin:         origin.NewHandler(http.NotFoundHandler()),
		Logger:         nopLogger(),
		Namespace:      "v2",
		LiveNamespaces: []string{"v2"},
	})
	defer o.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, o.OnActivate(context.Background()))
		namespaces, err := store.Namespaces()
		require.NoError(t, err)
		assert.Equal(t, []string{"v2"}, namespaces)
	}
	_, ok, err := store.Get("v2", "GET:/")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestActivateDefaultsToActiveNamespace(t *testing.T) {
	store := cache.NewMemCache()
	entry := cache.CacheEntry{
		Key:      "GET:/",
		Response: captured.Response{StatusCode: http.StatusOK, Header: http.Header{}},
	}
	require.NoError(t, store.Put("old-version", entry))
	require.NoError(t, store.Put(DefaultNamespace, entry))

	o := CreateCache(Config{
		Cache:  store,
		Origin: origin.NewHandler(http.NotFoundHandler()),
		Logger: nopLogger(),
	})
	defer o.Close()

	require.NoError(t, o.OnActivate(context.Background()))
	namespaces, err := store.Namespaces()
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultNamespace}, namespaces)
}

func TestActivateKeepsActiveNamespaceMissingFromLiveSet(t *testing.T) {
	store := cache.NewMemCache()
	entry := cache.CacheEntry{
		Key:      "GET:/",
		Response: captured.Response{StatusCode: http.StatusOK, Header: http.Header{}},
	}
	require.NoError(t, store.Put("v0", entry))
	require.NoError(t, store.Put("v1", entry))

	o := CreateCache(Config{
		Cache:          store,
		Origin:         origin.NewHandler(manifestOrigin()),
		Logger:         nopLogger(),
		Namespace:      "v2",
		LiveNamespaces: []string{"v1"},
		Manifest:       []string{"/"},
	})
	defer o.Close()

	require.NoError(t, o.OnInstall(context.Background()))
	require.NoError(t, o.OnActivate(context.Background()))

	namespaces, err := store.Namespaces()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, namespaces)
}

func TestEvictRemovesEntryFromActiveNamespace(t *testing.T) {
	store := cache.NewMemCache()
	o, _ := newServerCache(t, manifestOrigin(), store)
	o.manifest = []string{"/", "/js/index.js"}
	require.NoError(t, o.OnInstall(context.Background()))

	require.NoError(t, o.Evict(context.Background(), "/js/index.js"))
	_, ok := stored(t, store, "GET:/js/index.js")
	assert.False(t, ok)
	_, ok = stored(t, store, "GET:/")
	assert.True(t, ok)

	// absent entries are not an error
	require.NoError(t, o.Evict(context.Background(), "/js/index.js"))

	err := o.Evict(context.Background(), "http://10.0.0.5/js/index.js")
	assert.ErrorIs(t, err, ErrInvalidURL)
}
