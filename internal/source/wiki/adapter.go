// Package wiki implements the wiki media API adapter.
package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/vectorroulette/internal/asset"
)

// Config describes the wiki media API upstream.
type Config struct {
	APIURL      string
	SearchQuery string
	// MaxOffset bounds the random search offset to [0, MaxOffset).
	MaxOffset  int
	Timeout    time.Duration
	ThumbWidth int
}

// Adapter discovers random files by searching the file namespace at a random offset.
type Adapter struct {
	cfg     Config
	fetcher asset.Fetcher
	rnd     asset.Random
	logger  *zap.Logger
}

const (
	fileNamespace  = "6"
	defaultTimeout = 2 * time.Second
)

// New builds an Adapter.
func New(cfg Config, fetcher asset.Fetcher, rnd asset.Random, logger *zap.Logger) (*Adapter, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if rnd == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if _, err := url.Parse(cfg.APIURL); err != nil || cfg.APIURL == "" {
		return nil, fmt.Errorf("invalid api url %q", cfg.APIURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOffset <= 0 {
		cfg.MaxOffset = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cfg: cfg, fetcher: fetcher, rnd: rnd, logger: logger.Named("wiki")}, nil
}

// Source reports which upstream this adapter serves.
func (a *Adapter) Source() asset.Source {
	return asset.SourceWikiMedia
}

// DiscoverRandom returns one random file as an AssetItem.
func (a *Adapter) DiscoverRandom(ctx context.Context) (asset.AssetItem, error) {
	info, err := a.discover(ctx)
	if err != nil {
		return asset.AssetItem{}, err
	}
	preview := info.ThumbURL
	if preview == "" {
		preview = info.URL
	}
	return asset.AssetItem{
		Title:            DisplayTitle(info.title),
		PreviewLocation:  preview,
		SourceOrigin:     asset.SourceWikiMedia,
		SourceDetailURL:  info.detailURL(),
		DownloadLocation: info.URL,
		Tier:             asset.TierLive,
	}, nil
}

// DiscoverCandidate returns one random file's metadata without downloading it.
func (a *Adapter) DiscoverCandidate(ctx context.Context) (asset.Candidate, error) {
	info, err := a.discover(ctx)
	if err != nil {
		return asset.Candidate{}, err
	}
	return asset.Candidate{
		Title:            info.title,
		SourceDetailURL:  info.detailURL(),
		DownloadLocation: info.URL,
		PreviewLocation:  info.ThumbURL,
		Size:             info.Size,
	}, nil
}

// discover runs the search and image-info queries under one client-side deadline.
func (a *Adapter) discover(ctx context.Context) (imageInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	title, err := a.searchTitle(ctx, a.rnd.IntN(a.cfg.MaxOffset))
	if err != nil {
		return imageInfo{}, err
	}
	info, err := a.imageInfo(ctx, title)
	if err != nil {
		return imageInfo{}, err
	}
	info.title = title
	return info, nil
}

type searchResponse struct {
	Query struct {
		Search []struct {
			Title string `json:"title"`
		} `json:"search"`
	} `json:"query"`
}

type imageInfoResponse struct {
	Query struct {
		Pages []struct {
			Title     string      `json:"title"`
			Missing   bool        `json:"missing"`
			ImageInfo []imageInfo `json:"imageinfo"`
		} `json:"pages"`
	} `json:"query"`
}

type imageInfo struct {
	URL            string `json:"url"`
	Size           int64  `json:"size"`
	DescriptionURL string `json:"descriptionurl"`
	ThumbURL       string `json:"thumburl"`

	title string
}

func (i imageInfo) detailURL() string {
	if i.DescriptionURL != "" {
		return i.DescriptionURL
	}
	return i.URL
}

func (a *Adapter) searchTitle(ctx context.Context, offset int) (string, error) {
	params := url.Values{
		"action":        {"query"},
		"format":        {"json"},
		"formatversion": {"2"},
		"list":          {"search"},
		"srsearch":      {a.cfg.SearchQuery},
		"srnamespace":   {fileNamespace},
		"srlimit":       {"1"},
		"sroffset":      {strconv.Itoa(offset)},
	}
	var out searchResponse
	if err := a.query(ctx, params, &out); err != nil {
		return "", fmt.Errorf("wiki search: %w", err)
	}
	if len(out.Query.Search) == 0 || out.Query.Search[0].Title == "" {
		return "", fmt.Errorf("wiki search at offset %d: %w", offset, asset.ErrNotFound)
	}
	return out.Query.Search[0].Title, nil
}

func (a *Adapter) imageInfo(ctx context.Context, title string) (imageInfo, error) {
	params := url.Values{
		"action":        {"query"},
		"format":        {"json"},
		"formatversion": {"2"},
		"prop":          {"imageinfo"},
		"titles":        {title},
		"iiprop":        {"url|size"},
	}
	if a.cfg.ThumbWidth > 0 {
		params.Set("iiurlwidth", strconv.Itoa(a.cfg.ThumbWidth))
	}
	var out imageInfoResponse
	if err := a.query(ctx, params, &out); err != nil {
		return imageInfo{}, fmt.Errorf("wiki imageinfo: %w", err)
	}
	for _, page := range out.Query.Pages {
		if page.Missing || len(page.ImageInfo) == 0 || page.ImageInfo[0].URL == "" {
			continue
		}
		return page.ImageInfo[0], nil
	}
	return imageInfo{}, fmt.Errorf("wiki imageinfo for %q: %w", title, asset.ErrNotFound)
}

func (a *Adapter) query(ctx context.Context, params url.Values, out any) error {
	u, err := url.Parse(a.cfg.APIURL)
	if err != nil {
		return fmt.Errorf("parse api url: %w", err)
	}
	u.RawQuery = params.Encode()
	resp, err := asset.FetchOK(ctx, a.fetcher, asset.FetchRequest{
		Upstream: string(asset.SourceWikiMedia),
		URL:      u.String(),
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &asset.UpstreamError{
			Upstream:   string(asset.SourceWikiMedia),
			URL:        u.String(),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	return nil
}

// DisplayTitle strips the namespace prefix and file extension from a wiki file title.
func DisplayTitle(title string) string {
	t := strings.TrimSpace(title)
	if i := strings.Index(t, ":"); i >= 0 && strings.EqualFold(t[:i], "File") {
		t = t[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(t, path.Ext(t)))
}
