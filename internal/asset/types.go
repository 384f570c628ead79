// Package asset defines core types shared across the resolver, archive and API subsystems.
package asset

import (
	"net/http"
	"strings"
	"time"
)

// Source identifies an upstream an AssetItem can originate from.
type Source string

// Supported upstream sources.
const (
	SourceSiteA     Source = "siteA"
	SourceSiteB     Source = "siteB"
	SourceWikiMedia Source = "wikiMedia"
)

// AllSources lists every source in the canonical batch ordering.
var AllSources = []Source{SourceSiteA, SourceSiteB, SourceWikiMedia}

// ParseSource maps a client-provided identifier onto a Source.
func ParseSource(raw string) (Source, bool) {
	needle := strings.TrimSpace(raw)
	for _, src := range AllSources {
		if strings.EqualFold(needle, string(src)) {
			return src, true
		}
	}
	return "", false
}

// Tier records which fallback level satisfied a resolution.
type Tier string

// Resolution tiers, freshest first.
const (
	TierLive   Tier = "live"
	TierCached Tier = "cached"
	TierPool   Tier = "pool"
)

// AssetItem is one resolved vector asset handed back to clients.
type AssetItem struct {
	Title            string `json:"title"`
	PreviewLocation  string `json:"previewLocation"`
	SourceOrigin     Source `json:"sourceOrigin"`
	SourceDetailURL  string `json:"sourceDetailURL"`
	DownloadLocation string `json:"downloadLocation"`
	Tier             Tier   `json:"tier"`
}

// WithTier returns a copy of the item tagged with the given tier.
func (a AssetItem) WithTier(tier Tier) AssetItem {
	a.Tier = tier
	return a
}

// CacheEntry maps an archived upstream item onto a locally stored file.
type CacheEntry struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	SourceDetailURL string `json:"sourceDetailURL"`
	LocalFileName   string `json:"localFileName"`
}

// Candidate is a discovered but not yet downloaded remote asset.
type Candidate struct {
	Title            string `json:"title"`
	SourceDetailURL  string `json:"sourceDetailURL"`
	DownloadLocation string `json:"downloadLocation"`
	PreviewLocation  string `json:"previewLocation,omitempty"`
	Size             int64  `json:"size,omitempty"`
}

// FetchRequest captures everything needed to fetch a URL from an upstream.
type FetchRequest struct {
	Upstream string
	URL      string
	Headers  http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ArchivedEvent is published whenever the archive gains a new entry.
type ArchivedEvent struct {
	Entry      CacheEntry `json:"entry"`
	BlobURI    string     `json:"blob_uri"`
	Bytes      int        `json:"bytes"`
	SHA256     string     `json:"sha256,omitempty"`
	ArchivedAt time.Time  `json:"archived_at"`
}
