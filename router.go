package offlinecache

import (
	"net/http"
	"strings"
)

// Strategy is the way a request is resolved.
type Strategy int

const (
	// CacheFirst serves stored responses without contacting the origin.
	CacheFirst Strategy = iota
	// NetworkFirst always asks the origin and falls back to the cache only when the
	// origin cannot be reached.
	NetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	default:
		return "cache-first"
	}
}

// Route selects the strategy for a request: network-first for paths under the API
// prefix, cache-first for everything else.
func (o *OfflineCache) Route(r *http.Request) Strategy {
	return route(r, o.apiPrefix)
}

func route(r *http.Request, apiPrefix string) Strategy {
	if strings.HasPrefix(r.URL.Path, apiPrefix) {
		return NetworkFirst
	}
	return CacheFirst
}
