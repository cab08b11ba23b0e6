package cachekey

import (
	"net/http"
	"net/url"
	"strings"
)

const methodSeparator = ":"

type CacheKeyer struct {
	// Host of the origin being cached for.
	// Requests without a host, or with this host, are same-origin.
	OriginHost string
}

func NewCacheKeyer(originHost string) CacheKeyer {
	return CacheKeyer{OriginHost: strings.ToLower(originHost)}
}

// SameOrigin reports whether the request targets the cached origin.
func (c CacheKeyer) SameOrigin(r *http.Request) bool {
	return c.SameOriginURL(r.URL)
}

// SameOriginURL reports whether u is relative or on the cached origin.
func (c CacheKeyer) SameOriginURL(u *url.URL) bool {
	return u.Host == "" || strings.EqualFold(u.Host, c.OriginHost)
}

// Key returns the cache key for a request: the method and the URL, query included.
// Same-origin requests are keyed by their request URI so that "http://origin/a?b" and
// "/a?b" address the same entry. Cross-origin requests keep the absolute URL.
func (c CacheKeyer) Key(r *http.Request) string {
	if c.SameOrigin(r) {
		return r.Method + methodSeparator + r.URL.RequestURI()
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return r.Method + methodSeparator + u.String()
}
