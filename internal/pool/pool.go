// Package pool serves the static last-resort asset list shipped with a deployment.
package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/JakeFAU/vectorroulette/internal/asset"
)

// Pool is a read-only list of prefetched items.
type Pool struct {
	items    []asset.AssetItem
	bySource map[asset.Source][]asset.AssetItem
	rnd      asset.Random
}

// New builds a Pool from items, dropping records without a download location.
func New(items []asset.AssetItem, rnd asset.Random) *Pool {
	p := &Pool{bySource: make(map[asset.Source][]asset.AssetItem), rnd: rnd}
	for _, item := range items {
		if item.DownloadLocation == "" {
			continue
		}
		p.items = append(p.items, item)
		p.bySource[item.SourceOrigin] = append(p.bySource[item.SourceOrigin], item)
	}
	return p
}

// Load reads a JSON array of items. A missing file yields an empty pool.
func Load(path string, rnd asset.Random) (*Pool, error) {
	if path == "" {
		return New(nil, rnd), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(nil, rnd), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pool %s: %w", path, err)
	}
	var items []asset.AssetItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode pool %s: %w", path, err)
	}
	return New(items, rnd), nil
}

// Len returns the number of usable items.
func (p *Pool) Len() int {
	return len(p.items)
}

// Pick returns a uniform random item, preferring items from the given source.
func (p *Pool) Pick(source asset.Source) (asset.AssetItem, bool) {
	candidates := p.bySource[source]
	if len(candidates) == 0 {
		candidates = p.items
	}
	if len(candidates) == 0 {
		return asset.AssetItem{}, false
	}
	return candidates[p.rnd.IntN(len(candidates))].WithTier(asset.TierPool), true
}
