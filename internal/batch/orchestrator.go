// Package batch fans a multi-source request out into a fixed number of concurrently
// resolved slots.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/vectorroulette/internal/asset"
	"github.com/JakeFAU/vectorroulette/internal/metrics"
	"github.com/JakeFAU/vectorroulette/internal/resolver"
	"github.com/JakeFAU/vectorroulette/internal/telemetry"
)

// ErrNoSources is returned when a request names no recognized source.
var ErrNoSources = errors.New("no valid sources requested")

// DefaultSize is the number of items in a batch.
const DefaultSize = 6

// Resolver resolves one slot.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (asset.AssetItem, error)
}

// Throttle reports whether a source is in a throttle window.
type Throttle interface {
	IsThrottled(key string) bool
}

// Reserver picks distinct not-recently-shown entries in one atomic step.
type Reserver interface {
	Reserve(entries []asset.CacheEntry, n int) []asset.CacheEntry
}

// Config tunes the orchestrator.
type Config struct {
	Size int
	// Stagger delays the k-th live slot of an upstream by k*Stagger.
	Stagger time.Duration
}

// Result holds one entry per slot. A nil item pairs with a non-nil error.
type Result struct {
	Items  []*asset.AssetItem
	Errors []error
}

// Failed counts unresolved slots.
func (r Result) Failed() int {
	n := 0
	for _, item := range r.Items {
		if item == nil {
			n++
		}
	}
	return n
}

// Orchestrator plans and dispatches batch slots.
type Orchestrator struct {
	cfg      Config
	resolver Resolver
	throttle Throttle
	index    resolver.EntrySource
	reserver Reserver
	pauser   asset.Pauser
	logger   *zap.Logger
}

// New builds an Orchestrator.
func New(cfg Config, res Resolver, throttle Throttle, index resolver.EntrySource, reserver Reserver, pauser asset.Pauser, logger *zap.Logger) *Orchestrator {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		resolver: res,
		throttle: throttle,
		index:    index,
		reserver: reserver,
		pauser:   pauser,
		logger:   logger.Named("batch"),
	}
}

// slot is one planned resolution.
type slot struct {
	req   resolver.Request
	delay time.Duration
}

// Fetch resolves Size items spread over the requested sources. Slots are resolved
// concurrently and results keep their slot position.
func (o *Orchestrator) Fetch(ctx context.Context, sources []asset.Source) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "batch.Fetch")
	defer span.End()

	sources = Normalize(sources)
	if len(sources) == 0 {
		return Result{}, ErrNoSources
	}
	slots := o.plan(ctx, sources)
	span.SetAttributes(attribute.Int("slots", len(slots)))

	result := Result{
		Items:  make([]*asset.AssetItem, len(slots)),
		Errors: make([]error, len(slots)),
	}
	var wg sync.WaitGroup
	for i, s := range slots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.delay > 0 {
				o.pauser.Pause(ctx, s.delay)
			}
			item, err := o.resolver.Resolve(ctx, s.req)
			if err != nil {
				metrics.ObserveBatchFailedSlot()
				result.Errors[i] = fmt.Errorf("slot %d: %w", i, err)
				return
			}
			result.Items[i] = &item
		}()
	}
	wg.Wait()

	if failed := result.Failed(); failed > 0 {
		o.logger.Warn("batch slots unresolved", zap.Int("failed", failed), zap.Int("slots", len(slots)))
		if failed == len(slots) {
			return result, fmt.Errorf("every slot failed: %w", asset.ErrServiceUnavailable)
		}
	}
	return result, nil
}

// plan lays sources out round-robin, pre-reserves distinct cache entries for throttled
// slots and assigns stagger offsets to the remaining live slots per upstream.
func (o *Orchestrator) plan(ctx context.Context, sources []asset.Source) []slot {
	layout := Layout(sources, o.cfg.Size)
	slots := make([]slot, len(layout))

	var throttled []int
	for i, src := range layout {
		slots[i].req.Source = src
		if o.throttle.IsThrottled(string(src)) {
			throttled = append(throttled, i)
		}
	}

	if len(throttled) > 0 {
		reserved := o.reserve(ctx, len(throttled))
		for k, i := range throttled {
			if k < len(reserved) {
				entry := reserved[k]
				slots[i].req.Reserved = &entry
			}
		}
	}

	liveCount := make(map[asset.Source]int, len(sources))
	for i := range slots {
		if slots[i].req.Reserved != nil {
			continue
		}
		src := slots[i].req.Source
		slots[i].delay = time.Duration(liveCount[src]) * o.cfg.Stagger
		liveCount[src]++
	}
	return slots
}

func (o *Orchestrator) reserve(ctx context.Context, n int) []asset.CacheEntry {
	if o.index == nil || o.reserver == nil {
		return nil
	}
	entries, err := o.index.Entries(ctx)
	if err != nil {
		o.logger.Warn("cache index unavailable for pre-reservation", zap.Error(err))
		return nil
	}
	return o.reserver.Reserve(entries, n)
}

// Normalize deduplicates sources, drops unknown ones and returns them in canonical order.
func Normalize(sources []asset.Source) []asset.Source {
	want := make(map[asset.Source]bool, len(sources))
	for _, s := range sources {
		want[s] = true
	}
	out := make([]asset.Source, 0, len(asset.AllSources))
	for _, s := range asset.AllSources {
		if want[s] {
			out = append(out, s)
		}
	}
	return out
}

// Layout assigns size slots to sources round-robin.
func Layout(sources []asset.Source, size int) []asset.Source {
	if len(sources) == 0 || size <= 0 {
		return nil
	}
	out := make([]asset.Source, size)
	for i := range out {
		out[i] = sources[i%len(sources)]
	}
	return out
}
