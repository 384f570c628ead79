// Package cacheindex keeps the list of archived assets: a durable store plus a lazily
// loaded, periodically refreshed in-memory mirror for the serving path.
package cacheindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/vectorroulette/internal/asset"
	"github.com/JakeFAU/vectorroulette/internal/metrics"
)

// Store is the durable side of the index. Append must re-read the persisted entries and
// add only those that collide with neither an existing sourceDetailURL nor localFileName.
type Store interface {
	Load(ctx context.Context) ([]asset.CacheEntry, error)
	Append(ctx context.Context, entries []asset.CacheEntry) ([]asset.CacheEntry, error)
}

// Index mirrors a Store in memory.
type Index struct {
	store   Store
	clock   asset.Clock
	refresh time.Duration
	logger  *zap.Logger

	mu       sync.RWMutex
	entries  []asset.CacheEntry
	loaded   bool
	loadedAt time.Time
}

// New builds an Index. A zero refresh interval loads once and relies on local appends.
func New(store Store, clock asset.Clock, refresh time.Duration, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{store: store, clock: clock, refresh: refresh, logger: logger.Named("cacheindex")}
}

// Entries returns the mirror, loading it on first use and refreshing it when stale.
// A failed refresh keeps serving the previous mirror.
func (i *Index) Entries(ctx context.Context) ([]asset.CacheEntry, error) {
	i.mu.RLock()
	loaded, stale := i.loaded, i.staleLocked()
	entries := i.entries
	i.mu.RUnlock()

	if loaded && !stale {
		return entries, nil
	}
	if err := i.Reload(ctx); err != nil {
		if loaded {
			i.logger.Warn("index refresh failed; serving previous mirror", zap.Error(err))
			return entries, nil
		}
		return nil, err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.entries, nil
}

// Reload re-reads the store into the mirror.
func (i *Index) Reload(ctx context.Context) error {
	entries, err := i.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: load index: %w", asset.ErrStorage, err)
	}
	i.replace(entries)
	return nil
}

// Fresh reads the store directly, bypassing the mirror, and updates the mirror with the result.
func (i *Index) Fresh(ctx context.Context) ([]asset.CacheEntry, error) {
	if err := i.Reload(ctx); err != nil {
		return nil, err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.entries, nil
}

// Append persists one entry. It returns ErrDuplicate when the store already holds it.
func (i *Index) Append(ctx context.Context, entry asset.CacheEntry) error {
	added, err := i.Merge(ctx, []asset.CacheEntry{entry})
	if err != nil {
		return err
	}
	if len(added) == 0 {
		return fmt.Errorf("%s: %w", entry.SourceDetailURL, asset.ErrDuplicate)
	}
	return nil
}

// Merge persists every entry not already present and returns those that were added.
func (i *Index) Merge(ctx context.Context, entries []asset.CacheEntry) ([]asset.CacheEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	added, err := i.store.Append(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("%w: append index: %w", asset.ErrStorage, err)
	}
	if len(added) > 0 {
		i.mu.Lock()
		if i.loaded {
			i.entries, _ = MergeEntries(i.entries, added)
			metrics.SetCacheIndexEntries(len(i.entries))
		}
		i.mu.Unlock()
	}
	return added, nil
}

// Len returns the mirror size without triggering a load.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

func (i *Index) replace(entries []asset.CacheEntry) {
	i.mu.Lock()
	i.entries = entries
	i.loaded = true
	i.loadedAt = i.clock.Now()
	i.mu.Unlock()
	metrics.SetCacheIndexEntries(len(entries))
}

func (i *Index) staleLocked() bool {
	if !i.loaded || i.refresh <= 0 {
		return !i.loaded
	}
	return i.clock.Now().Sub(i.loadedAt) >= i.refresh
}

// MergeEntries appends incoming entries to existing, skipping any whose sourceDetailURL or
// localFileName is already taken. It returns the merged list and the entries that were added.
func MergeEntries(existing, incoming []asset.CacheEntry) ([]asset.CacheEntry, []asset.CacheEntry) {
	urls := make(map[string]struct{}, len(existing)+len(incoming))
	files := make(map[string]struct{}, len(existing)+len(incoming))
	for _, e := range existing {
		urls[e.SourceDetailURL] = struct{}{}
		files[e.LocalFileName] = struct{}{}
	}
	merged := append(make([]asset.CacheEntry, 0, len(existing)+len(incoming)), existing...)
	var added []asset.CacheEntry
	for _, e := range incoming {
		if _, ok := urls[e.SourceDetailURL]; ok {
			continue
		}
		if _, ok := files[e.LocalFileName]; ok {
			continue
		}
		urls[e.SourceDetailURL] = struct{}{}
		files[e.LocalFileName] = struct{}{}
		merged = append(merged, e)
		added = append(added, e)
	}
	return merged, added
}

// ContainsSourceURL reports whether any entry has the given sourceDetailURL.
func ContainsSourceURL(entries []asset.CacheEntry, url string) bool {
	for _, e := range entries {
		if e.SourceDetailURL == url {
			return true
		}
	}
	return false
}

// ContainsFileName reports whether any entry has the given localFileName.
func ContainsFileName(entries []asset.CacheEntry, name string) bool {
	for _, e := range entries {
		if e.LocalFileName == name {
			return true
		}
	}
	return false
}
