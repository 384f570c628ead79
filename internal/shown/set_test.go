package shown

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vectorroulette/internal/asset"
	"github.com/JakeFAU/vectorroulette/internal/random"
)

func entries(n int) []asset.CacheEntry {
	out := make([]asset.CacheEntry, n)
	for i := range out {
		out[i] = asset.CacheEntry{ID: fmt.Sprintf("id-%d", i), LocalFileName: fmt.Sprintf("f%d.svg", i)}
	}
	return out
}

func TestPickRotatesThroughAllEntriesBeforeRepeating(t *testing.T) {
	t.Parallel()

	s := New(random.New())
	list := entries(5)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		e, ok := s.Pick(list)
		require.True(t, ok)
		assert.False(t, seen[e.ID], "entry %s repeated within an epoch", e.ID)
		seen[e.ID] = true
	}
	assert.Equal(t, 5, s.Len())
	assert.Equal(t, 0, s.Epoch())

	_, ok := s.Pick(list)
	require.True(t, ok)
	assert.Equal(t, 1, s.Epoch())
	assert.Equal(t, 1, s.Len())
}

func TestPickEmpty(t *testing.T) {
	t.Parallel()

	_, ok := New(random.New()).Pick(nil)
	assert.False(t, ok)
}

func TestReserveIsDistinctAcrossReset(t *testing.T) {
	t.Parallel()

	s := New(random.New())
	list := entries(4)

	first := s.Reserve(list, 3)
	require.Len(t, first, 3)

	second := s.Reserve(list, 3)
	require.Len(t, second, 3)
	assert.Equal(t, 1, s.Epoch())

	ids := map[string]bool{}
	for _, e := range second {
		assert.False(t, ids[e.ID])
		ids[e.ID] = true
	}
}

func TestReserveCapsAtIndexSize(t *testing.T) {
	t.Parallel()

	s := New(random.New())
	got := s.Reserve(entries(2), 6)
	assert.Len(t, got, 2)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestReserveKeysByFileNameWhenIDsRepeat(t *testing.T) {
	t.Parallel()

	list := entries(6)
	for i := range list {
		list[i].ID = ""
	}
	list[3].ID, list[4].ID = "dup", "dup"

	got := New(random.New()).Reserve(list, 6)
	require.Len(t, got, 6)
	files := map[string]bool{}
	for _, e := range got {
		files[e.LocalFileName] = true
	}
	assert.Len(t, files, 6)
}

func TestReserveFallsBackToIDWithoutFileName(t *testing.T) {
	t.Parallel()

	list := []asset.CacheEntry{{ID: "a"}, {ID: "b"}, {ID: "a"}}
	got := New(random.New()).Reserve(list, 3)
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestConcurrentPicksNeverDuplicateWithinEpoch(t *testing.T) {
	t.Parallel()

	s := New(random.New())
	list := entries(40)

	var (
		mu  sync.Mutex
		ids = map[string]int{}
		wg  sync.WaitGroup
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, ok := s.Pick(list)
			if !ok {
				return
			}
			mu.Lock()
			ids[e.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 40)
	assert.Equal(t, 0, s.Epoch())
}

func TestReset(t *testing.T) {
	t.Parallel()

	s := New(random.New())
	s.Reserve(entries(3), 2)
	s.Reset()
	assert.Zero(t, s.Len())
	assert.Equal(t, 1, s.Epoch())
}
