package cachestatus

import "testing"

func TestCacheStatusString(t *testing.T) {
	tests := []struct {
		name  string
		build func(cs *CacheStatus)
		want  string
	}{
		{"hit", func(cs *CacheStatus) { cs.Hit() }, "Offline-Cache; hit"},
		{"uri miss stored", func(cs *CacheStatus) {
			cs.Forward(FwdUriMiss)
			cs.Stored()
		}, "Offline-Cache; fwd=uri-miss; stored"},
		{"offline fallback", func(cs *CacheStatus) {
			cs.Hit()
			cs.Detail(DetailOfflineFallback)
		}, "Offline-Cache; hit; detail=offline-fallback"},
		{"network first", func(cs *CacheStatus) { cs.Forward(FwdRequest) }, "Offline-Cache; fwd=request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cs CacheStatus
			tt.build(&cs)
			if got := cs.String(); got != tt.want {
				t.Fatalf("Cache-Status is %q, expected %q", got, tt.want)
			}
			if got := cs.Header().Get(HeaderName); got != tt.want {
				t.Fatalf("Header value is %q", got)
			}
		})
	}
}
