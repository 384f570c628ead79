package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/vectorroulette/internal/asset"
)

var (
	// ErrTooLarge rejects bodies above the configured ceiling.
	ErrTooLarge = errors.New("asset exceeds size limit")
	// ErrNotAsset rejects bodies that lack the content marker.
	ErrNotAsset = errors.New("body is not a vector asset")
)

// Validation holds the checks applied to a downloaded body.
type Validation struct {
	MaxBytes     int64
	Marker       string
	MarkerWindow int
}

// Download fetches an asset from the wiki-media upstream and validates its body.
// Rate limiting surfaces as asset.ErrRateLimited.
func Download(ctx context.Context, fetcher asset.Fetcher, location string, v Validation) ([]byte, error) {
	resp, err := asset.FetchOK(ctx, fetcher, asset.FetchRequest{
		Upstream: string(asset.SourceWikiMedia),
		URL:      location,
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", location, err)
	}
	if err := v.Check(resp.Body); err != nil {
		return nil, fmt.Errorf("download %s: %w", location, err)
	}
	return resp.Body, nil
}

// Check applies the size ceiling and content-shape check.
func (v Validation) Check(body []byte) error {
	if v.MaxBytes > 0 && int64(len(body)) > v.MaxBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(body), v.MaxBytes)
	}
	if !asset.HasContentMarker(body, v.Marker, v.MarkerWindow) {
		return ErrNotAsset
	}
	return nil
}
