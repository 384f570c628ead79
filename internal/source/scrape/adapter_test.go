package scrape

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vectorroulette/internal/asset"
	"github.com/JakeFAU/vectorroulette/internal/document"
)

const (
	listingURL = "https://site.example/list/%d"
	pageTwo    = "https://site.example/list/2"
)

var testSelectors = document.Selectors{
	ListingLink:  "a.item",
	ListingThumb: "img",
	DetailImage:  "div.main img",
	DownloadLink: "a.dl",
	Heading:      "h1",
}

const listing = `<html><body>
<a class="item" href="/detail/owl"><img src="/t/owl.png"></a>
<a class="item" href="/detail/fox"></a>
</body></html>`

func newAdapter(t *testing.T, fetcher asset.Fetcher, rnd asset.Random, opts ...Option) *Adapter {
	t.Helper()
	a, err := New(Config{
		Source:     asset.SourceSiteA,
		ListingURL: listingURL,
		PageMin:    1,
		PageMax:    5,
		Extension:  ".svg",
		Selectors:  testSelectors,
	}, fetcher, rnd, nil, opts...)
	require.NoError(t, err)
	return a
}

func TestDiscoverRandomUsesImageContainer(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string]asset.FetchResponse{
		pageTwo: ok(listing),
		"https://site.example/detail/owl": ok(`<html><h1>Owl</h1>
			<div class="main"><img src="/files/owl.svg"></div><a class="dl" href="/dl/owl.svg">x</a></html>`),
	})
	a := newAdapter(t, fetcher, &seqRandom{values: []int{1, 0}})

	item, err := a.DiscoverRandom(context.Background())
	require.NoError(t, err)
	assert.Equal(t, asset.AssetItem{
		Title:            "Owl",
		PreviewLocation:  "https://site.example/t/owl.png",
		SourceOrigin:     asset.SourceSiteA,
		SourceDetailURL:  "https://site.example/detail/owl",
		DownloadLocation: "https://site.example/files/owl.svg",
		Tier:             asset.TierLive,
	}, item)
	assert.Equal(t, []string{pageTwo, "https://site.example/detail/owl"}, fetcher.urls())
}

func TestDiscoverRandomFallsBackThroughStrategies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		detail    string
		wantDL    string
		wantTitle string
	}{
		{
			name:      "download link",
			detail:    `<html><head><title>Fox page</title></head><a class="dl" href="/dl/fox.svg">x</a></html>`,
			wantDL:    "https://site.example/dl/fox.svg",
			wantTitle: "Fox page",
		},
		{
			name:      "raw markup scan",
			detail:    `<html><script>load("https://cdn.example/a/fox-raw.svg")</script></html>`,
			wantDL:    "https://cdn.example/a/fox-raw.svg",
			wantTitle: "fox-raw",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fetcher := newFakeFetcher(map[string]asset.FetchResponse{
				pageTwo:                           ok(listing),
				"https://site.example/detail/fox": ok(tt.detail),
			})
			a := newAdapter(t, fetcher, &seqRandom{values: []int{1, 1}})

			item, err := a.DiscoverRandom(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantDL, item.DownloadLocation)
			assert.Equal(t, tt.wantDL, item.PreviewLocation)
			assert.Equal(t, tt.wantTitle, item.Title)
		})
	}
}

func TestDiscoverRandomNotFound(t *testing.T) {
	t.Parallel()

	t.Run("empty listing", func(t *testing.T) {
		t.Parallel()
		fetcher := newFakeFetcher(map[string]asset.FetchResponse{pageTwo: ok(`<html><p>nothing</p></html>`)})
		_, err := newAdapter(t, fetcher, &seqRandom{values: []int{1}}).DiscoverRandom(context.Background())
		require.ErrorIs(t, err, asset.ErrNotFound)
	})

	t.Run("detail without asset", func(t *testing.T) {
		t.Parallel()
		fetcher := newFakeFetcher(map[string]asset.FetchResponse{
			pageTwo:                           ok(listing),
			"https://site.example/detail/owl": ok(`<html><h1>Owl</h1></html>`),
		})
		_, err := newAdapter(t, fetcher, &seqRandom{values: []int{1, 0}}).DiscoverRandom(context.Background())
		require.ErrorIs(t, err, asset.ErrNotFound)
	})
}

func TestDiscoverRandomUpstreamErrors(t *testing.T) {
	t.Parallel()

	throttled := newFakeFetcher(map[string]asset.FetchResponse{pageTwo: {StatusCode: http.StatusTooManyRequests}})
	_, err := newAdapter(t, throttled, &seqRandom{values: []int{1}}).DiscoverRandom(context.Background())
	require.ErrorIs(t, err, asset.ErrRateLimited)

	broken := newFakeFetcher(map[string]asset.FetchResponse{pageTwo: {StatusCode: http.StatusBadGateway}})
	_, err = newAdapter(t, broken, &seqRandom{values: []int{1}}).DiscoverRandom(context.Background())
	var upstreamErr *asset.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusBadGateway, upstreamErr.StatusCode)
	assert.False(t, errors.Is(err, asset.ErrRateLimited))

	timeout := newFakeFetcher(nil)
	timeout.err = context.DeadlineExceeded
	_, err = newAdapter(t, timeout, &seqRandom{values: []int{1}}).DiscoverRandom(context.Background())
	require.ErrorIs(t, err, asset.ErrTimeout)
}

func TestDiscoverRandomPromotesEmptyListing(t *testing.T) {
	t.Parallel()

	static := newFakeFetcher(map[string]asset.FetchResponse{
		pageTwo:                           ok(`<div id="app"></div>`),
		"https://site.example/detail/owl": ok(`<html><a class="dl" href="/dl/owl.svg">x</a></html>`),
	})
	renderer := newFakeFetcher(map[string]asset.FetchResponse{pageTwo: ok(listing)})
	a := newAdapter(t, static, &seqRandom{values: []int{1, 0}}, WithRenderer(renderer, stubDetector(true)))

	item, err := a.DiscoverRandom(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://site.example/dl/owl.svg", item.DownloadLocation)
	assert.Equal(t, []string{pageTwo}, renderer.urls())

	skipped := newFakeFetcher(map[string]asset.FetchResponse{pageTwo: ok(listing)})
	b := newAdapter(t, newFakeFetcher(map[string]asset.FetchResponse{pageTwo: ok(`<p>static</p>`)}),
		&seqRandom{values: []int{1}}, WithRenderer(skipped, stubDetector(false)))
	_, err = b.DiscoverRandom(context.Background())
	require.ErrorIs(t, err, asset.ErrNotFound)
	assert.Empty(t, skipped.urls())
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(nil)
	rnd := &seqRandom{}
	_, err := New(Config{ListingURL: "https://x/list", PageMin: 1, PageMax: 2}, fetcher, rnd, nil)
	require.Error(t, err)
	_, err = New(Config{ListingURL: listingURL, PageMin: 3, PageMax: 2}, fetcher, rnd, nil)
	require.Error(t, err)
	_, err = New(Config{ListingURL: listingURL, PageMin: 1, PageMax: 2}, nil, rnd, nil)
	require.Error(t, err)
}

func ok(body string) asset.FetchResponse {
	return asset.FetchResponse{StatusCode: http.StatusOK, Body: []byte(body)}
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]asset.FetchResponse
	err       error
	calls     []string
}

func newFakeFetcher(responses map[string]asset.FetchResponse) *fakeFetcher {
	return &fakeFetcher{responses: responses}
}

func (f *fakeFetcher) Fetch(_ context.Context, req asset.FetchRequest) (asset.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	if f.err != nil {
		return asset.FetchResponse{}, f.err
	}
	resp, found := f.responses[req.URL]
	if !found {
		return asset.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	resp.URL = req.URL
	return resp, nil
}

func (f *fakeFetcher) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// seqRandom replays values in order, clamped to n.
type seqRandom struct {
	mu     sync.Mutex
	values []int
	pos    int
}

func (s *seqRandom) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || s.pos >= len(s.values) {
		return 0
	}
	v := s.values[s.pos] % n
	s.pos++
	return v
}

type stubDetector bool

func (d stubDetector) NeedsRender(asset.FetchResponse) bool {
	return bool(d)
}
