// Package resolver turns a single-source request into an AssetItem by falling through
// live, cached and pool tiers.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/vectorroulette/internal/asset"
	"github.com/JakeFAU/vectorroulette/internal/metrics"
	"github.com/JakeFAU/vectorroulette/internal/telemetry"
)

// Throttle is the subset of the rate-limit coordinator the resolver needs.
type Throttle interface {
	IsThrottled(key string) bool
	MarkThrottled(key string, window time.Duration) time.Time
}

// EntrySource yields the current cache index entries.
type EntrySource interface {
	Entries(ctx context.Context) ([]asset.CacheEntry, error)
}

// Picker chooses a not-recently-shown cache entry.
type Picker interface {
	Pick(entries []asset.CacheEntry) (asset.CacheEntry, bool)
}

// Pool is the static last-resort list.
type Pool interface {
	Pick(source asset.Source) (asset.AssetItem, bool)
}

// Config tunes resolution.
type Config struct {
	LiveTimeout    time.Duration
	ThrottleWindow time.Duration
	// ArchiveBaseURL prefixes a cache entry's file name to form its download location.
	ArchiveBaseURL string
}

// Request describes one slot to resolve.
type Request struct {
	Source asset.Source
	// Reserved is a cache entry picked ahead of time; when set the live tier is skipped.
	Reserved *asset.CacheEntry
}

// Resolver implements the tiered fallback.
type Resolver struct {
	cfg      Config
	adapters map[asset.Source]asset.Adapter
	throttle Throttle
	index    EntrySource
	shown    Picker
	pool     Pool
	logger   *zap.Logger
}

// New builds a Resolver over the given adapters.
func New(cfg Config, adapters []asset.Adapter, throttle Throttle, index EntrySource, shown Picker, pool Pool, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = time.Minute
	}
	byName := make(map[asset.Source]asset.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Source()] = a
	}
	return &Resolver{
		cfg:      cfg,
		adapters: byName,
		throttle: throttle,
		index:    index,
		shown:    shown,
		pool:     pool,
		logger:   logger.Named("resolver"),
	}
}

// Resolve returns an item from the first tier that can serve the request. Adapter errors are
// absorbed; only ErrServiceUnavailable is returned.
func (r *Resolver) Resolve(ctx context.Context, req Request) (asset.AssetItem, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "resolver.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("source", string(req.Source)))

	if req.Reserved == nil {
		if item, ok := r.Live(ctx, req.Source); ok {
			return r.done(span, item), nil
		}
	}
	if item, ok := r.cached(ctx, req); ok {
		return r.done(span, item), nil
	}
	if r.pool != nil {
		if item, ok := r.pool.Pick(req.Source); ok {
			return r.done(span, item), nil
		}
	}

	span.SetStatus(codes.Error, "all tiers exhausted")
	r.logger.Warn("all tiers exhausted", zap.String("source", string(req.Source)))
	return asset.AssetItem{}, fmt.Errorf("resolve %s: %w", req.Source, asset.ErrServiceUnavailable)
}

// Live attempts the live tier. A throttled source is skipped without calling the adapter;
// an explicit rate-limit response opens the source's throttle window.
func (r *Resolver) Live(ctx context.Context, source asset.Source) (asset.AssetItem, bool) {
	adapter, ok := r.adapters[source]
	if !ok {
		metrics.ObserveLiveFailure(string(source), "no_adapter")
		return asset.AssetItem{}, false
	}
	if r.throttle.IsThrottled(string(source)) {
		metrics.ObserveLiveFailure(string(source), "throttled")
		return asset.AssetItem{}, false
	}

	if r.cfg.LiveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.LiveTimeout)
		defer cancel()
	}
	item, err := adapter.DiscoverRandom(ctx)
	if err == nil {
		return item.WithTier(asset.TierLive), true
	}

	reason := failureReason(err)
	metrics.ObserveLiveFailure(string(source), reason)
	if errors.Is(err, asset.ErrRateLimited) {
		r.throttle.MarkThrottled(string(source), r.cfg.ThrottleWindow)
	}
	logFn := r.logger.Info
	if reason == "error" {
		logFn = r.logger.Warn
	}
	logFn("live tier fell through", zap.String("source", string(source)), zap.String("reason", reason), zap.Error(err))
	return asset.AssetItem{}, false
}

func (r *Resolver) cached(ctx context.Context, req Request) (asset.AssetItem, bool) {
	if req.Reserved != nil {
		return r.CachedItem(*req.Reserved), true
	}
	if r.index == nil || r.shown == nil {
		return asset.AssetItem{}, false
	}
	entries, err := r.index.Entries(ctx)
	if err != nil {
		r.logger.Warn("cache index unavailable", zap.Error(err))
		return asset.AssetItem{}, false
	}
	entry, ok := r.shown.Pick(entries)
	if !ok {
		return asset.AssetItem{}, false
	}
	return r.CachedItem(entry), true
}

// CachedItem maps an archived entry onto a client-facing item served from the archive.
func (r *Resolver) CachedItem(entry asset.CacheEntry) asset.AssetItem {
	location := ArchiveLocation(r.cfg.ArchiveBaseURL, entry.LocalFileName)
	return asset.AssetItem{
		Title:            entry.Title,
		PreviewLocation:  location,
		SourceOrigin:     asset.SourceWikiMedia,
		SourceDetailURL:  entry.SourceDetailURL,
		DownloadLocation: location,
		Tier:             asset.TierCached,
	}
}

func (r *Resolver) done(span trace.Span, item asset.AssetItem) asset.AssetItem {
	span.SetAttributes(attribute.String("tier", string(item.Tier)))
	metrics.ObserveResolution(string(item.SourceOrigin), string(item.Tier))
	return item
}

// ArchiveLocation joins the archive base URL and an escaped file name.
func ArchiveLocation(base, fileName string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(fileName)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, asset.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, asset.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, asset.ErrNotFound):
		return "not_found"
	}
	var upstreamErr *asset.UpstreamError
	if errors.As(err, &upstreamErr) {
		return "upstream"
	}
	return "error"
}
