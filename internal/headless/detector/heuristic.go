// Package detector decides when an empty static listing is worth re-fetching through the headless renderer.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/vectorroulette/internal/asset"
)

// Heuristic flags listing pages that look client-rendered.
type Heuristic struct {
	// MinBodyBytes marks bodies shorter than this as suspicious.
	MinBodyBytes int
	// ScriptPercent is the share of markup inside <script> tags that counts as script-heavy.
	ScriptPercent int
}

// NewHeuristic creates a detector with default thresholds where zero values are given.
func NewHeuristic(minBodyBytes, scriptPercent int) *Heuristic {
	if minBodyBytes <= 0 {
		minBodyBytes = 2048
	}
	if scriptPercent <= 0 {
		scriptPercent = 25
	}
	return &Heuristic{MinBodyBytes: minBodyBytes, ScriptPercent: scriptPercent}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// NeedsRender reports whether a 200 listing that yielded no links probably needs JavaScript.
// Throttles and errors are never promoted.
func (h *Heuristic) NeedsRender(resp asset.FetchResponse) bool {
	if resp.StatusCode != 200 || resp.UsedHeadless {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return len(body) < h.MinBodyBytes || h.scriptHeavy(body)
}

func (h *Heuristic) scriptHeavy(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	scripts := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scripts += len(strings.TrimSpace(s.Text()))
	})
	if scripts == 0 {
		return false
	}
	return scripts*100/len(body) >= h.ScriptPercent
}
