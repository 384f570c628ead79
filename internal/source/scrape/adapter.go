// Package scrape implements the HTML listing/detail adapters.
package scrape

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/vectorroulette/internal/asset"
	"github.com/JakeFAU/vectorroulette/internal/document"
)

// Config describes one scraped listing site.
type Config struct {
	Source        asset.Source
	ListingURL    string
	PageMin       int
	PageMax       int
	Extension     string
	RenderListing bool
	Selectors     document.Selectors
}

// Detector decides whether an empty static listing should be rendered.
type Detector interface {
	NeedsRender(resp asset.FetchResponse) bool
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithRenderer enables headless promotion of listings that yield no links.
// A nil detector promotes every empty listing.
func WithRenderer(renderer asset.Fetcher, detector Detector) Option {
	return func(a *Adapter) {
		a.renderer = renderer
		a.detector = detector
	}
}

// Adapter discovers a random asset by sampling a listing page and following one detail link.
type Adapter struct {
	cfg      Config
	fetcher  asset.Fetcher
	renderer asset.Fetcher
	detector Detector
	rnd      asset.Random
	logger   *zap.Logger
}

// New builds an Adapter.
func New(cfg Config, fetcher asset.Fetcher, rnd asset.Random, logger *zap.Logger, opts ...Option) (*Adapter, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if rnd == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if !strings.Contains(cfg.ListingURL, "%d") {
		return nil, fmt.Errorf("listing url %q has no page placeholder", cfg.ListingURL)
	}
	if cfg.PageMin <= 0 || cfg.PageMax < cfg.PageMin {
		return nil, fmt.Errorf("invalid page range [%d, %d]", cfg.PageMin, cfg.PageMax)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		cfg:     cfg,
		fetcher: fetcher,
		rnd:     rnd,
		logger:  logger.Named("scrape").With(zap.String("source", string(cfg.Source))),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Source reports which upstream this adapter serves.
func (a *Adapter) Source() asset.Source {
	return a.cfg.Source
}

// DiscoverRandom picks a random listing page, then a random detail link on it.
func (a *Adapter) DiscoverRandom(ctx context.Context) (asset.AssetItem, error) {
	page := a.cfg.PageMin + a.rnd.IntN(a.cfg.PageMax-a.cfg.PageMin+1)
	listingURL := fmt.Sprintf(a.cfg.ListingURL, page)

	links, err := a.listingLinks(ctx, listingURL)
	if err != nil {
		return asset.AssetItem{}, err
	}
	if len(links) == 0 {
		return asset.AssetItem{}, fmt.Errorf("%s listing page %d: %w", a.cfg.Source, page, asset.ErrNotFound)
	}
	link := links[a.rnd.IntN(len(links))]

	resp, err := asset.FetchOK(ctx, a.fetcher, a.request(link.Href))
	if err != nil {
		return asset.AssetItem{}, fmt.Errorf("fetch detail page: %w", err)
	}
	doc, err := document.Parse(resp.Body, baseURL(resp, link.Href))
	if err != nil {
		return asset.AssetItem{}, fmt.Errorf("%s detail page: %w", a.cfg.Source, err)
	}

	download := a.downloadLocation(doc)
	if download == "" {
		return asset.AssetItem{}, fmt.Errorf("%s detail %s has no download location: %w", a.cfg.Source, link.Href, asset.ErrNotFound)
	}
	preview := link.Thumb
	if preview == "" {
		preview = download
	}
	return asset.AssetItem{
		Title:            a.title(doc, download),
		PreviewLocation:  preview,
		SourceOrigin:     a.cfg.Source,
		SourceDetailURL:  link.Href,
		DownloadLocation: download,
		Tier:             asset.TierLive,
	}, nil
}

func (a *Adapter) listingLinks(ctx context.Context, listingURL string) ([]document.Link, error) {
	req := a.request(listingURL)
	resp, err := asset.FetchOK(ctx, a.fetcher, req)
	if err != nil {
		return nil, fmt.Errorf("fetch listing: %w", err)
	}
	links, err := a.parseLinks(resp, listingURL)
	if err != nil {
		return nil, err
	}
	if len(links) > 0 || a.renderer == nil {
		return links, nil
	}
	if !a.cfg.RenderListing && a.detector != nil && !a.detector.NeedsRender(resp) {
		return nil, nil
	}

	a.logger.Debug("promoting listing to headless render", zap.String("url", listingURL))
	rendered, err := asset.FetchOK(ctx, a.renderer, req)
	if err != nil {
		return nil, fmt.Errorf("render listing: %w", err)
	}
	return a.parseLinks(rendered, listingURL)
}

func (a *Adapter) parseLinks(resp asset.FetchResponse, listingURL string) ([]document.Link, error) {
	doc, err := document.Parse(resp.Body, baseURL(resp, listingURL))
	if err != nil {
		return nil, fmt.Errorf("%s listing: %w", a.cfg.Source, err)
	}
	return doc.Links(a.cfg.Selectors.ListingLink, a.cfg.Selectors.ListingThumb), nil
}

// downloadLocation tries the image container, then the download link, then a raw markup scan.
func (a *Adapter) downloadLocation(doc *document.Document) string {
	sel := a.cfg.Selectors
	if v, ok := doc.FirstAttr(sel.DetailImage, sel.DetailImageAttr); ok {
		return v
	}
	if v, ok := doc.FirstAttr(sel.DownloadLink, "href"); ok {
		return v
	}
	if v, ok := doc.MatchAbsoluteURL(a.cfg.Extension); ok {
		return v
	}
	return ""
}

func (a *Adapter) title(doc *document.Document, download string) string {
	if t := doc.Text(a.cfg.Selectors.Heading); t != "" {
		return t
	}
	if t := doc.Title(); t != "" {
		return t
	}
	return strings.TrimSuffix(path.Base(download), path.Ext(download))
}

func (a *Adapter) request(url string) asset.FetchRequest {
	return asset.FetchRequest{Upstream: string(a.cfg.Source), URL: url}
}

func baseURL(resp asset.FetchResponse, fallback string) string {
	if resp.URL != "" {
		return resp.URL
	}
	return fallback
}
