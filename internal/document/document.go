// Package document wraps goquery with the selector-driven extraction used by the scraping adapters.
package document

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Selectors configures where a site keeps its listing links and asset locations.
type Selectors struct {
	// ListingLink matches anchors on a listing page that point to detail pages.
	ListingLink string `mapstructure:"listing_link"`
	// ListingThumb is evaluated inside each matched anchor to find its preview image.
	ListingThumb string `mapstructure:"listing_thumb"`
	// DetailImage matches the primary image container on a detail page.
	DetailImage string `mapstructure:"detail_image"`
	// DetailImageAttr is the attribute read from DetailImage; defaults to src.
	DetailImageAttr string `mapstructure:"detail_image_attr"`
	// DownloadLink matches an explicit download anchor.
	DownloadLink string `mapstructure:"download_link"`
	Heading      string `mapstructure:"heading"`
}

// Link is a listing anchor resolved against the page URL.
type Link struct {
	Href  string
	Thumb string
}

// Document is a parsed HTML page with a base URL for resolving relative references.
type Document struct {
	doc  *goquery.Document
	base *url.URL
	raw  []byte
}

// Parse builds a Document from a response body.
func Parse(body []byte, baseURL string) (*Document, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{doc: doc, base: base, raw: body}, nil
}

// Links returns the distinct absolute http(s) targets of anchors matching sel, in document order.
func (d *Document) Links(sel, thumbSel string) []Link {
	if sel == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var links []Link
	d.doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		abs := d.Resolve(href)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		link := Link{Href: abs}
		if thumbSel != "" {
			if src, ok := s.Find(thumbSel).First().Attr("src"); ok {
				link.Thumb = d.Resolve(src)
			}
		}
		links = append(links, link)
	})
	return links
}

// FirstAttr returns the first non-empty attribute value among nodes matching sel, resolved to an absolute URL.
func (d *Document) FirstAttr(sel, attr string) (string, bool) {
	if sel == "" {
		return "", false
	}
	if attr == "" {
		attr = "src"
	}
	var found string
	d.doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		v, ok := s.Attr(attr)
		if !ok || strings.TrimSpace(v) == "" {
			return true
		}
		found = d.Resolve(v)
		return found == ""
	})
	return found, found != ""
}

// Text returns the trimmed text of the first node matching sel with non-empty content.
func (d *Document) Text(sel string) string {
	if sel == "" {
		return ""
	}
	var text string
	d.doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text = strings.Join(strings.Fields(s.Text()), " ")
		return text == ""
	})
	return text
}

// Title returns the document <title>.
func (d *Document) Title() string {
	return d.Text("title")
}

// MatchAbsoluteURL scans the raw markup for the first absolute URL ending in ext.
func (d *Document) MatchAbsoluteURL(ext string) (string, bool) {
	if ext == "" {
		return "", false
	}
	re, err := regexp.Compile(`(?i)https?://[^\s"'<>()]+` + regexp.QuoteMeta(ext) + `\b`)
	if err != nil {
		return "", false
	}
	m := re.Find(d.raw)
	if m == nil {
		return "", false
	}
	return string(m), true
}

// Resolve turns href into an absolute http(s) URL, or returns "" when it cannot.
func (d *Document) Resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := d.base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}
