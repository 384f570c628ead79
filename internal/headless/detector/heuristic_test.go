package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/vectorroulette/internal/asset"
)

func TestHeuristic_NeedsRender(t *testing.T) {
	t.Parallel()

	plain := "<html><body>" + strings.Repeat("<p>static listing text</p>", 200) + "</body></html>"
	scripted := "<html><body><p>x</p>" + strings.Repeat(" ", 3000) +
		"<script>" + strings.Repeat("window.items.push(1);", 200) + "</script></body></html>"

	tests := []struct {
		name string
		resp asset.FetchResponse
		want bool
	}{
		{name: "empty body", resp: asset.FetchResponse{StatusCode: 200, Body: []byte("  ")}, want: true},
		{name: "spa marker", resp: asset.FetchResponse{StatusCode: 200, Body: []byte(plain + `<div id="__next"></div>`)}, want: true},
		{name: "short body", resp: asset.FetchResponse{StatusCode: 200, Body: []byte("<html><p>hi</p></html>")}, want: true},
		{name: "script heavy", resp: asset.FetchResponse{StatusCode: 200, Body: []byte(scripted)}, want: true},
		{name: "plain static page", resp: asset.FetchResponse{StatusCode: 200, Body: []byte(plain)}, want: false},
		{name: "throttled", resp: asset.FetchResponse{StatusCode: 429, Body: nil}, want: false},
		{name: "already rendered", resp: asset.FetchResponse{StatusCode: 200, UsedHeadless: true}, want: false},
	}

	h := NewHeuristic(0, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, h.NeedsRender(tt.resp))
		})
	}
}
