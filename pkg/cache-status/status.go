// Package cachestatus builds the Cache-Status response header field (RFC 9211).
package cachestatus

import (
	"fmt"
	"net/http"
)

const (
	HeaderName = "Cache-Status"
	cacheName  = "Offline-Cache"
)

type Status string

const (
	StatusHit = "hit"
	StatusFwd = "fwd"
)

type FwdReason string

const (
	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics did not allow its use.
	// Network-first requests always go to the origin first.
	FwdRequest FwdReason = "request"
)

// DetailOfflineFallback marks a stored response served because the origin was unreachable.
const DetailOfflineFallback = "offline-fallback"

type CacheStatus struct {
	status    Status
	detail    string
	fwdReason FwdReason
	stored    bool
}

func (cs *CacheStatus) Hit() {
	cs.status = StatusHit
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.status = StatusFwd
	cs.fwdReason = reason
}

// Stored records that the forwarded response was written to the cache.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) IsHit() bool {
	return cs.status == StatusHit
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheName, cs.status)
	if cs.status == StatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}

// Header returns a header set containing only the Cache-Status field.
func (cs *CacheStatus) Header() http.Header {
	h := http.Header{}
	h.Set(HeaderName, cs.String())
	return h
}
