package bulk

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vectorroulette/internal/archive"
	"github.com/JakeFAU/vectorroulette/internal/asset"
	"github.com/JakeFAU/vectorroulette/internal/cacheindex"
	memblob "github.com/JakeFAU/vectorroulette/internal/storage/memory"
)

const svgBody = `<svg xmlns="http://www.w3.org/2000/svg"><circle r="4"/></svg>`

// scriptedFetcher replays a status sequence per URL; the last status repeats.
type scriptedFetcher struct {
	mu       sync.Mutex
	statuses map[string][]int
	bodies   map[string]string
	calls    map[string]int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{statuses: map[string][]int{}, bodies: map[string]string{}, calls: map[string]int{}}
}

func (f *scriptedFetcher) Fetch(_ context.Context, req asset.FetchRequest) (asset.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls[req.URL]
	f.calls[req.URL]++
	status := http.StatusOK
	if seq := f.statuses[req.URL]; len(seq) > 0 {
		status = seq[min(n, len(seq)-1)]
	}
	return asset.FetchResponse{URL: req.URL, StatusCode: status, Body: []byte(f.bodies[req.URL])}, nil
}

func (f *scriptedFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type recordingPauser struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (p *recordingPauser) Pause(_ context.Context, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays = append(p.delays, d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

// countingStore counts Append calls so tests can assert a single consolidated write.
type countingStore struct {
	mu      sync.Mutex
	entries []asset.CacheEntry
	appends int
}

func (s *countingStore) Load(context.Context) ([]asset.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]asset.CacheEntry(nil), s.entries...), nil
}

func (s *countingStore) Append(_ context.Context, entries []asset.CacheEntry) ([]asset.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	merged, added := cacheindex.MergeEntries(s.entries, entries)
	s.entries = merged
	return added, nil
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

func candidate(name string) asset.Candidate {
	return asset.Candidate{
		Title:            "File:" + name + ".svg",
		SourceDetailURL:  "https://commons.example/wiki/File:" + name + ".svg",
		DownloadLocation: "https://upload.example/" + name + ".svg",
	}
}

type harness struct {
	fetcher *scriptedFetcher
	blobs   *memblob.BlobStore
	store   *countingStore
	pauser  *recordingPauser
	builder *Builder
}

func newHarness(cfg Config) *harness {
	h := &harness{
		fetcher: newScriptedFetcher(),
		blobs:   memblob.NewBlobStore(),
		store:   &countingStore{},
		pauser:  &recordingPauser{},
	}
	if cfg.Validation == (archive.Validation{}) {
		cfg.Validation = archive.Validation{MaxBytes: 1024, Marker: "<svg", MarkerWindow: 256}
	}
	index := cacheindex.New(h.store, fixedClock{}, 0, nil)
	h.builder = New(cfg, h.fetcher, h.blobs, index, &seqIDs{}, h.pauser, nil)
	return h
}

func TestBuildAcceptsAndWritesIndexOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Concurrency: 3})
	var cands []asset.Candidate
	for _, name := range []string{"Alpha", "Beta", "Gamma", "Delta"} {
		c := candidate(name)
		h.fetcher.bodies[c.DownloadLocation] = svgBody
		cands = append(cands, c)
	}

	report, err := h.builder.Build(context.Background(), cands)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Outcomes[OutcomeAccepted])
	assert.Equal(t, 4, report.Added)
	assert.Equal(t, 1, h.store.appends)
	assert.Equal(t, 4, h.blobs.Len())
}

func TestBuildBackfillsExistingFiles(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	c := candidate("Kept")
	_, err := h.blobs.PutObject(context.Background(), "Kept.svg", "image/svg+xml", strings.NewReader(svgBody))
	require.NoError(t, err)

	report, err := h.builder.Build(context.Background(), []asset.Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeExisting])
	assert.Equal(t, 1, report.Added)
	assert.Zero(t, h.fetcher.Calls(c.DownloadLocation))
}

func TestBuildRetriesRateLimitThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxRetries: 3, ThrottleDelay: 30 * time.Second})
	c := candidate("Slow")
	h.fetcher.statuses[c.DownloadLocation] = []int{429, 429, 200}
	h.fetcher.bodies[c.DownloadLocation] = svgBody

	report, err := h.builder.Build(context.Background(), []asset.Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeAccepted])
	assert.Equal(t, 3, h.fetcher.Calls(c.DownloadLocation))
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, h.pauser.delays)
}

func TestBuildAbandonsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxRetries: 2, ThrottleDelay: time.Second})
	c := candidate("Never")
	h.fetcher.statuses[c.DownloadLocation] = []int{429}

	report, err := h.builder.Build(context.Background(), []asset.Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeAbandoned])
	assert.Equal(t, 3, h.fetcher.Calls(c.DownloadLocation))
	assert.Zero(t, report.Added)
	assert.Zero(t, h.blobs.Len())
}

func TestBuildDiscardsOversizedAndInvalid(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Validation: archive.Validation{MaxBytes: 100, Marker: "<svg"}})
	big, bad := candidate("Big"), candidate("Bad")
	h.fetcher.bodies[big.DownloadLocation] = "<svg>" + strings.Repeat("x", 200) + "</svg>"
	h.fetcher.bodies[bad.DownloadLocation] = "<html></html>"

	report, err := h.builder.Build(context.Background(), []asset.Candidate{big, bad})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeTooLarge])
	assert.Equal(t, 1, report.Outcomes[OutcomeInvalid])
	assert.Zero(t, h.blobs.Len())
}

func TestBuildSkipsIndexedAndRepeatedCandidates(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	known, fresh := candidate("Known"), candidate("Fresh")
	h.store.entries = []asset.CacheEntry{{ID: "old", SourceDetailURL: known.SourceDetailURL, LocalFileName: "Known.svg"}}
	h.fetcher.bodies[fresh.DownloadLocation] = svgBody

	report, err := h.builder.Build(context.Background(), []asset.Candidate{known, fresh, fresh})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Outcomes[OutcomeIndexed])
	assert.Equal(t, 1, report.Outcomes[OutcomeAccepted])
	assert.Zero(t, h.fetcher.Calls(known.DownloadLocation))
}

func TestBuildSkipsCandidatesSharingAFileName(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Concurrency: 2})
	first := asset.Candidate{Title: "File:Map (a).svg", SourceDetailURL: "https://c/1", DownloadLocation: "https://u/one"}
	second := asset.Candidate{Title: "File:Map [a].svg", SourceDetailURL: "https://c/2", DownloadLocation: "https://u/two"}
	taken := asset.Candidate{Title: "File:Known?.svg", SourceDetailURL: "https://c/3", DownloadLocation: "https://u/three"}
	require.Equal(t,
		asset.FileNameForTitle(first.Title, ".svg", 0),
		asset.FileNameForTitle(second.Title, ".svg", 0))
	knownName := asset.FileNameForTitle(taken.Title, ".svg", 0)
	h.store.entries = []asset.CacheEntry{{ID: "old", SourceDetailURL: "https://c/old", LocalFileName: knownName}}
	h.fetcher.bodies[first.DownloadLocation] = `<svg id="one"/>`
	h.fetcher.bodies[second.DownloadLocation] = `<svg id="two"/>`
	h.fetcher.bodies[taken.DownloadLocation] = `<svg id="three"/>`

	report, err := h.builder.Build(context.Background(), []asset.Candidate{first, second, taken})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeAccepted])
	assert.Equal(t, 2, report.Outcomes[OutcomeNameTaken])
	assert.Zero(t, h.fetcher.Calls(second.DownloadLocation))
	assert.Zero(t, h.fetcher.Calls(taken.DownloadLocation))

	entries, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	added := entries[1]
	assert.Equal(t, first.SourceDetailURL, added.SourceDetailURL)

	body, ok := h.blobs.Get(added.LocalFileName)
	require.True(t, ok)
	assert.Equal(t, `<svg id="one"/>`, string(body))
}

func TestLoadCandidates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "candidates.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"title":"File:A.svg","sourceDetailURL":"https://x/A","downloadLocation":"https://x/A.svg"}]`), 0o600))

	got, err := LoadCandidates(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "File:A.svg", got[0].Title)

	_, err = LoadCandidates(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

type listSource struct {
	items []asset.Candidate
	err   error
	i     int
}

func (l *listSource) DiscoverCandidate(context.Context) (asset.Candidate, error) {
	if l.i >= len(l.items) {
		if l.err != nil {
			return asset.Candidate{}, l.err
		}
		return asset.Candidate{}, asset.ErrNotFound
	}
	c := l.items[l.i]
	l.i++
	return c, nil
}

func TestDiscoverDedupesAndStopsOnRateLimit(t *testing.T) {
	t.Parallel()

	src := &listSource{
		items: []asset.Candidate{candidate("A"), candidate("A"), candidate("B")},
		err:   &asset.UpstreamError{Upstream: "wikiMedia", StatusCode: 429, Err: asset.ErrRateLimited},
	}
	got, err := Discover(context.Background(), src, 5, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, candidate("B").SourceDetailURL, got[1].SourceDetailURL)
}
