package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/faults"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// OnInstall pre-warms the active namespace with the manifest.
// All manifest URLs are fetched before anything is written, and they are written in
// one transaction: if any of them fails, ErrPreWarmFailed is returned and the
// namespace is left untouched.
func (o *OfflineCache) OnInstall(ctx context.Context) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "offlinecache.install")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pre-warm failed")
		}
		span.End()
	}()
	span.SetAttributes(attribute.Int("offlinecache.manifest", len(o.manifest)))

	o.log.Info().Int("urls", len(o.manifest)).Msg("Pre-warming cache")

	entries := make([]cache.CacheEntry, len(o.manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range o.manifest {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u, nil)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", faults.ErrPreWarmFailed, u, err)
			}
			res, err := o.origin.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", faults.ErrPreWarmFailed, u, err)
			}
			if !res.OK() {
				return fmt.Errorf("%w: %s: status %d", faults.ErrPreWarmFailed, u, res.StatusCode)
			}
			o.log.Trace().Str("url", u).Msg("Fetched manifest entry")
			entries[i] = cache.CacheEntry{
				Key:      o.keyer.Key(req),
				StoredAt: time.Now(),
				Response: res,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.log.Error().Err(err).Msg("Could not pre-warm cache")
		return err
	}

	if err := o.cache.PutAll(o.namespace, entries); err != nil {
		o.log.Error().Err(err).Msg("Could not write pre-warmed entries")
		return fmt.Errorf("%w: %w", faults.ErrPreWarmFailed, err)
	}
	o.log.Info().Int("urls", len(entries)).Msg("Cache pre-warmed")
	return nil
}

// OnActivate deletes every namespace that is not live. Running it again is a no-op.
func (o *OfflineCache) OnActivate(ctx context.Context) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "offlinecache.activate")
	defer span.End()

	namespaces, err := o.cache.Namespaces()
	if err != nil {
		o.log.Error().Err(err).Msg("Could not list cache namespaces")
		span.RecordError(err)
		return err
	}
	deleted := 0
	for _, ns := range namespaces {
		if slices.Contains(o.live, ns) {
			continue
		}
		o.log.Info().Str("stale", ns).Msg("Deleting stale cache namespace")
		if err := o.cache.DeleteNamespace(ns); err != nil {
			o.log.Error().Err(err).Str("stale", ns).Msg("Could not delete cache namespace")
			span.RecordError(err)
			return err
		}
		deleted++
	}
	span.SetAttributes(attribute.Int("offlinecache.deleted_namespaces", deleted))
	return nil
}

// Evict removes the cached GET response for rawURL from the active namespace.
// Evicting a URL that is not cached is not an error.
func (o *OfflineCache) Evict(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if !o.keyer.SameOrigin(req) {
		return fmt.Errorf("%w: %s is not on the cached origin", ErrInvalidURL, req.URL.Host)
	}
	key := o.keyer.Key(req)
	if err := o.cache.Evict(o.namespace, key); err != nil {
		o.log.Error().Err(err).Str("key", key).Msg("Could not evict cache entry")
		return err
	}
	o.log.Debug().Str("key", key).Msg("Evicted cache entry")
	return nil
}
