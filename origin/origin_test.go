package origin

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/pkg/faults"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, server *httptest.Server, host string, timeout time.Duration) *Client {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	return NewClient(Config{URL: *u, Host: host, Timeout: timeout})
}

func TestClientFetchesFromOrigin(t *testing.T) {
	var gotHost, gotBody, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotQuery = r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "text/test")
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "accepted")
	}))
	defer server.Close()

	client := newTestClient(t, server, "example.test", 0)
	req := httptest.NewRequest(http.MethodPost, "/api/newData?x=1", strings.NewReader(`{"data":"hello"}`))
	req.Header.Set("X-Forwarded-For", "10.0.0.1")

	res, err := client.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, "accepted", string(res.Body))
	assert.Equal(t, "text/test", res.Header.Get("Content-Type"))
	assert.False(t, res.Opaque)
	assert.Equal(t, "example.test", gotHost)
	assert.Equal(t, "x=1", gotQuery)
	assert.Equal(t, `{"data":"hello"}`, gotBody)
}

func TestClientDoesNotFollowRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer server.Close()

	res, err := newTestClient(t, server, "", 0).Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "/elsewhere", res.Header.Get("Location"))
}

func TestClientMarksCrossOriginOpaque(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "from the cdn")
	}))
	defer other.Close()
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, other.URL+"/lib.js", nil)
	res, err := newTestClient(t, server, "", 0).Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Opaque)
	assert.Equal(t, "from the cdn", string(res.Body))
}

func TestClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	client := newTestClient(t, server, "", 0)
	server.Close()

	_, err := client.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/api/data", nil))
	assert.ErrorIs(t, err, faults.ErrOriginUnreachable)
}

func TestClientTimeoutIsUnreachable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := newTestClient(t, server, "", 50*time.Millisecond)
	_, err := client.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/slow", nil))
	assert.ErrorIs(t, err, faults.ErrOriginUnreachable)
}

func TestHandlerFetcher(t *testing.T) {
	h := NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Method", r.Method)
		io.WriteString(w, "in process")
	}))

	res, err := h.Fetch(context.Background(), httptest.NewRequest(http.MethodPut, "/thing", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "PUT", res.Header.Get("X-Method"))
	assert.Equal(t, "in process", string(res.Body))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, faults.ErrOriginUnreachable)
}

// gzipOrigin compresses only for clients that ask for it.
func gzipOrigin(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			io.WriteString(w, body)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		io.WriteString(gz, body)
		gz.Close()
	})
}

func TestClientReturnsIdentityEncodedBodies(t *testing.T) {
	server := httptest.NewServer(gzipOrigin("console.log('hi')"))
	defer server.Close()
	client := newTestClient(t, server, "", 0)

	for _, ae := range []string{"gzip", "gzip, deflate, br", ""} {
		req := httptest.NewRequest(http.MethodGet, "/js/index.js", nil)
		if ae != "" {
			req.Header.Set("Accept-Encoding", ae)
		}
		res, err := client.Fetch(context.Background(), req)
		require.NoError(t, err, ae)
		assert.Equal(t, "console.log('hi')", string(res.Body), ae)
		assert.Empty(t, res.Header.Get("Content-Encoding"), ae)
	}
}

func TestHandlerDoesNotForwardAcceptEncoding(t *testing.T) {
	h := NewHandler(gzipOrigin("console.log('hi')"))

	req := httptest.NewRequest(http.MethodGet, "/js/index.js", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	res, err := h.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi')", string(res.Body))
	assert.Empty(t, res.Header.Get("Content-Encoding"))
	assert.Equal(t, "gzip", req.Header.Get("Accept-Encoding"))
}
