// Package offlinecache intercepts requests on their way to an origin server. Static assets
// are served cache-first, API requests network-first with a cached fallback, and writes
// that could not reach the origin are queued durably and replayed on reconnect.
package offlinecache

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/origin"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/captured"
	"github.com/always-cache/offline-cache/pkg/faults"
	"github.com/always-cache/offline-cache/queue"
	"github.com/always-cache/offline-cache/replay"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/always-cache/offline-cache"

const (
	DefaultNamespace = "service-worker-demo-cache-v1"
	DefaultAPIPrefix = "/api/"
	DefaultSyncTag   = "syncData"
)

// DefaultManifest is pre-warmed on install when no manifest is configured.
var DefaultManifest = []string{
	"/",
	"/runtime-caching.html",
	"/background-sync.html",
	"/messaging.html",
	"/push-notification.html",
	"/js/index.js",
	"/js/runtime-caching.js",
	"/js/background-sync.js",
	"/js/messaging.js",
	"/js/push-notification.js",
	"/css/styles.css",
}

type Config struct {
	// Storage for cache entries.
	Cache cache.CacheProvider
	// Storage for queued operations.
	Queue *queue.Store
	// Where requests are resolved.
	Origin origin.Fetcher
	// Keys requests and decides which ones are same-origin.
	// Taken from the origin if it is an *origin.Client.
	Keyer *cachekey.CacheKeyer
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Namespace requests are cached in and the manifest is pre-warmed into.
	Namespace string
	// Namespaces kept on activation. The active namespace is always kept.
	LiveNamespaces []string
	// URLs fetched on install.
	Manifest []string
	// Requests with this path prefix go network-first.
	APIPrefix string
	// Reconnect signal tag that starts a replay.
	SyncTag string
	// Replay settings. Store, Origin and Logger are filled in from this config.
	Replay replay.Config
}

type OfflineCache struct {
	cache     cache.CacheProvider
	queue     *queue.Store
	origin    origin.Fetcher
	keyer     cachekey.CacheKeyer
	replay    *replay.Engine
	log       zerolog.Logger
	namespace string
	live      []string
	manifest  []string
	apiPrefix string
	syncTag   string
}

// CreateCache sets up the offline cache and its replay engine.
func CreateCache(config Config) *OfflineCache {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	o := &OfflineCache{
		cache:     config.Cache,
		queue:     config.Queue,
		origin:    config.Origin,
		log:       logger,
		namespace: config.Namespace,
		live:      config.LiveNamespaces,
		manifest:  config.Manifest,
		apiPrefix: config.APIPrefix,
		syncTag:   config.SyncTag,
	}
	if o.namespace == "" {
		o.namespace = DefaultNamespace
	}
	// the active namespace is always live
	if !slices.Contains(o.live, o.namespace) {
		o.live = append(slices.Clone(o.live), o.namespace)
	}
	if o.manifest == nil {
		o.manifest = DefaultManifest
	}
	if o.apiPrefix == "" {
		o.apiPrefix = DefaultAPIPrefix
	}
	if o.syncTag == "" {
		o.syncTag = DefaultSyncTag
	}

	switch {
	case config.Keyer != nil:
		o.keyer = *config.Keyer
	default:
		if c, ok := config.Origin.(*origin.Client); ok {
			o.keyer = c.Keyer()
		}
	}

	// create a child logger and add defaults
	o.log = o.log.With().Str("namespace", o.namespace).Logger()

	rc := config.Replay
	if config.Queue != nil {
		rc.Store = config.Queue
	}
	rc.Origin = config.Origin
	rc.Logger = &o.log
	o.replay = replay.NewEngine(rc)

	return o
}

// Close stops the replay engine. The stores are owned by the caller.
func (o *OfflineCache) Close() {
	o.replay.Close()
}

// Replay returns the replay engine, e.g. for inspecting its state.
func (o *OfflineCache) Replay() *replay.Engine {
	return o.replay
}

// Handle resolves the request with the strategy its route selects.
func (o *OfflineCache) Handle(r *http.Request) (captured.Response, error) {
	res, _, err := o.handle(r)
	return res, err
}

func (o *OfflineCache) handle(r *http.Request) (captured.Response, cachestatus.CacheStatus, error) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "offlinecache.handle")
	defer span.End()
	r = r.WithContext(ctx)

	strategy := o.Route(r)
	span.SetAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("url.path", r.URL.Path),
		attribute.String("offlinecache.strategy", strategy.String()),
	)

	var (
		res captured.Response
		cs  cachestatus.CacheStatus
		err error
	)
	switch strategy {
	case NetworkFirst:
		res, cs, err = o.networkFirst(r)
	default:
		res, cs, err = o.cacheFirst(r)
	}
	span.SetAttributes(attribute.String("offlinecache.cache_status", cs.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, faults.Kind(err))
	}
	return res, cs, err
}

// ServeHTTP implements the http.Handler interface.
// Unlike Handle, it only serves the cached origin: absolute-form requests for other
// hosts are refused.
func (o *OfflineCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !o.keyer.SameOrigin(r) {
		o.log.Warn().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Str("sourceIp", getRequestSourceIp(r)).
			Msg("Refusing request for foreign host")
		http.Error(w, "Requests for other hosts are not proxied", http.StatusBadRequest)
		return
	}
	res, cs, err := o.handle(r)
	o.logRequest(r, cs, err)
	if err != nil {
		if errors.Is(err, faults.ErrOriginUnreachable) {
			w.Header().Set(cachestatus.HeaderName, cs.String())
			http.Error(w, "Could not connect to origin", http.StatusBadGateway)
			return
		}
		o.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not handle request")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if err := res.WriteTo(w, cs.Header()); err != nil {
		o.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

func (o *OfflineCache) logRequest(r *http.Request, cs cachestatus.CacheStatus, err error) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	ev := o.log.Debug()
	if err != nil {
		ev = o.log.Warn().Err(err).Str("kind", faults.Kind(err))
	}
	ev.
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("cacheStatus", cs.String()).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
