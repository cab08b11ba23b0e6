package offlinecache

import (
	"errors"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/captured"
	"github.com/always-cache/offline-cache/pkg/faults"
)

// cacheFirst serves the stored response if there is one. On a miss the origin response
// is returned, and stored if it is a plain 200 from the origin.
// Errors from the origin are returned as they are.
func (o *OfflineCache) cacheFirst(r *http.Request) (captured.Response, cachestatus.CacheStatus, error) {
	cs := cachestatus.CacheStatus{}

	// only GET responses can be stored, everything else goes straight through
	if r.Method != http.MethodGet {
		cs.Forward(cachestatus.FwdMethod)
		res, err := o.origin.Fetch(r.Context(), r)
		return res, cs, err
	}

	key := o.keyer.Key(r)
	if ce, ok := o.lookup(key); ok {
		cs.Hit()
		return ce.Response, cs, nil
	}

	cs.Forward(cachestatus.FwdUriMiss)
	res, err := o.origin.Fetch(r.Context(), r)
	if err != nil {
		return res, cs, err
	}
	if o.store(r, key, res) {
		cs.Stored()
	}
	return res, cs, nil
}

// networkFirst returns the live origin response whenever the origin can be reached,
// storing it if possible. Only when the origin is unreachable is the stored response
// for the same key served instead.
func (o *OfflineCache) networkFirst(r *http.Request) (captured.Response, cachestatus.CacheStatus, error) {
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdRequest)

	key := o.keyer.Key(r)
	res, err := o.origin.Fetch(r.Context(), r)
	if err == nil {
		if o.store(r, key, res) {
			cs.Stored()
		}
		return res, cs, nil
	}
	// error statuses are answers, only a failed connection falls back
	if !errors.Is(err, faults.ErrOriginUnreachable) {
		return res, cs, err
	}

	o.log.Debug().Err(err).Str("key", key).Msg("Origin unreachable, looking up cache")
	ce, ok := o.lookup(key)
	if !ok {
		return captured.Response{}, cs, err
	}
	cs.Hit()
	cs.Detail(cachestatus.DetailOfflineFallback)
	return ce.Response, cs, nil
}

// lookup reads the active namespace. A failing cache is a miss.
func (o *OfflineCache) lookup(key string) (cache.CacheEntry, bool) {
	o.log.Trace().Str("key", key).Msg("Getting cached entry")
	ce, ok, err := o.cache.Get(o.namespace, key)
	if err != nil {
		o.log.Warn().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return cache.CacheEntry{}, false
	}
	return ce, ok
}

// store writes a copy of res under key if the response may be stored.
// Write failures are logged and otherwise ignored.
func (o *OfflineCache) store(r *http.Request, key string, res captured.Response) bool {
	if r.Method != http.MethodGet || !res.OK() {
		o.log.Trace().
			Str("key", key).
			Int("status", res.StatusCode).
			Bool("opaque", res.Opaque).
			Msg("Not storing response")
		return false
	}
	ce := cache.CacheEntry{
		Key:      key,
		StoredAt: time.Now(),
		Response: res.Clone(),
	}
	o.log.Trace().Str("key", key).Msg("Writing to cache")
	if err := o.cache.Put(o.namespace, ce); err != nil {
		o.log.Warn().Err(err).Str("key", key).Msg("Could not write to cache")
		return false
	}
	return true
}
