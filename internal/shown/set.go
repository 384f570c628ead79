// Package shown tracks which cache entries were served in the current epoch so that
// cached picks rotate through the whole index before repeating.
package shown

import (
	"sync"

	"github.com/JakeFAU/vectorroulette/internal/asset"
)

// Set is a process-wide record of shown entries, keyed by local file name. Every method is atomic.
type Set struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	epoch int
	rnd   asset.Random
}

// New builds an empty Set.
func New(rnd asset.Random) *Set {
	return &Set{ids: make(map[string]struct{}), rnd: rnd}
}

// Pick marks and returns a random entry that has not been shown this epoch.
// When every entry has been shown, the epoch resets and the pick is taken from the full list.
func (s *Set) Pick(entries []asset.CacheEntry) (asset.CacheEntry, bool) {
	picked := s.Reserve(entries, 1)
	if len(picked) == 0 {
		return asset.CacheEntry{}, false
	}
	return picked[0], true
}

// Reserve marks and returns up to n distinct entries in one critical section.
// Entries picked by this call stay distinct even if the epoch resets part way through.
func (s *Set) Reserve(entries []asset.CacheEntry, n int) []asset.CacheEntry {
	if n <= 0 || len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	taken := make(map[string]struct{}, n)
	out := make([]asset.CacheEntry, 0, n)
	for len(out) < n {
		fresh := s.unshownLocked(entries, taken)
		if len(fresh) == 0 {
			if len(taken) >= distinctKeys(entries) {
				break
			}
			s.resetLocked()
			for id := range taken {
				s.ids[id] = struct{}{}
			}
			continue
		}
		entry := fresh[s.rnd.IntN(len(fresh))]
		s.ids[keyOf(entry)] = struct{}{}
		taken[keyOf(entry)] = struct{}{}
		out = append(out, entry)
	}
	return out
}

// Len returns how many entries were shown this epoch.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Epoch returns how many times the set has been reset.
func (s *Set) Epoch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Reset clears the set and starts a new epoch.
func (s *Set) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

func (s *Set) resetLocked() {
	s.ids = make(map[string]struct{})
	s.epoch++
}

func (s *Set) unshownLocked(entries []asset.CacheEntry, taken map[string]struct{}) []asset.CacheEntry {
	fresh := make([]asset.CacheEntry, 0, len(entries))
	for _, e := range entries {
		key := keyOf(e)
		if _, ok := s.ids[key]; ok {
			continue
		}
		if _, ok := taken[key]; ok {
			continue
		}
		fresh = append(fresh, e)
	}
	return fresh
}

func distinctKeys(entries []asset.CacheEntry) int {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[keyOf(e)] = struct{}{}
	}
	return len(seen)
}

// keyOf identifies an entry by the file it points at; the ID is only used when no file name is set.
func keyOf(e asset.CacheEntry) string {
	if e.LocalFileName != "" {
		return "file:" + e.LocalFileName
	}
	return "id:" + e.ID
}
