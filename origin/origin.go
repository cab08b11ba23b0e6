// Package origin fetches responses from the origin server, either over the network
// or from an in-process http.Handler.
package origin

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"
	"time"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/captured"
	"github.com/always-cache/offline-cache/pkg/faults"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"

	"github.com/rs/zerolog"
)

// Fetcher resolves a request against the origin.
// Implementations return an error wrapping faults.ErrOriginUnreachable when the origin
// could not be contacted; any response, whatever its status, is returned without error.
//
// Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (captured.Response, error)
}

type Config struct {
	// URL of the origin server.
	// Origins with paths are not supported.
	URL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	Host string
	// Timeout for a single origin request. Zero means no timeout.
	Timeout time.Duration
	// Logger to use. Nothing is logged if nil.
	Logger *zerolog.Logger
}

// Client fetches from an origin over HTTP.
type Client struct {
	url        url.URL
	hostHeader string
	keyer      cachekey.CacheKeyer
	httpClient http.Client
	log        zerolog.Logger
}

func NewClient(config Config) *Client {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	hostHeader := config.URL.Host
	transport := http.DefaultTransport
	if config.Host != "" {
		hostHeader = config.Host
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: config.Host,
			},
		}
	}
	return &Client{
		url:        config.URL,
		hostHeader: hostHeader,
		keyer:      cachekey.NewCacheKeyer(config.URL.Host),
		log:        logger.With().Str("origin", config.URL.String()).Logger(),
		httpClient: http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Keyer returns the cache keyer for this origin.
func (c *Client) Keyer() cachekey.CacheKeyer {
	return c.keyer
}

// Fetch sends the request to the origin. Requests for other hosts are sent as they are
// and their responses are marked opaque.
func (c *Client) Fetch(ctx context.Context, r *http.Request) (captured.Response, error) {
	sameOrigin := c.keyer.SameOrigin(r)
	target := r.URL.String()
	if sameOrigin {
		target = c.url.Scheme + "://" + c.url.Host + r.URL.RequestURI()
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return captured.Response{}, err
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)
	if sameOrigin {
		req.Host = c.hostHeader
	}

	c.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Msg("Requesting content from origin")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return captured.Response{}, faults.Unreachable(err)
	}
	cr, err := captured.FromHTTP(res)
	if err != nil {
		// the connection broke while reading the body
		return captured.Response{}, faults.Unreachable(err)
	}
	cr.Opaque = !sameOrigin
	return cr, nil
}

// Handler uses an in-process http.Handler as the origin.
type Handler struct {
	h http.Handler
}

func NewHandler(h http.Handler) *Handler {
	return &Handler{h: h}
}

func (o *Handler) Fetch(ctx context.Context, r *http.Request) (captured.Response, error) {
	if err := ctx.Err(); err != nil {
		return captured.Response{}, faults.Unreachable(err)
	}
	req := r.Clone(ctx)
	req.Header.Del("Accept-Encoding")
	rs := tee.NewResponseSaver()
	o.h.ServeHTTP(rs, req)
	return rs.Response(), nil
}

// hop-by-hop headers and headers added by upstream proxies are not forwarded;
// some origins do not like the presence of the latter in the request.
// Accept-Encoding is left to the transport, which then decodes the body, so
// stored entries are identity-encoded whoever requested them first.
var skipHeaders = map[string]bool{
	"Accept-Encoding":   true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"X-Forwarded-For":   true,
	"X-Forwarded-Proto": true,
	"X-Forwarded-Host":  true,
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if skipHeaders[http.CanonicalHeaderKey(k)] || strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
