package asset

import (
	"bytes"
	"path"
	"regexp"
	"strings"
)

var (
	invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	repeatedUnderscores  = regexp.MustCompile(`_{2,}`)
)

const (
	defaultFileNameLength = 80
	filePrefix            = "File:"
)

// FileNameForTitle derives the deterministic local file name for a title.
// The result is sanitized, truncated to maxLen characters before the extension, and
// always carries ext.
func FileNameForTitle(title, ext string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = defaultFileNameLength
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	base := strings.TrimSpace(title)
	if len(base) > len(filePrefix) && strings.EqualFold(base[:len(filePrefix)], filePrefix) {
		base = base[len(filePrefix):]
	}
	if ext != "" && strings.EqualFold(path.Ext(base), ext) {
		base = base[:len(base)-len(ext)]
	}
	base = invalidFilenameChars.ReplaceAllString(base, "_")
	base = repeatedUnderscores.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._-")
	if len(base) > maxLen {
		base = strings.TrimRight(base[:maxLen], "._-")
	}
	if base == "" {
		base = "untitled"
	}
	return base + strings.ToLower(ext)
}

// MatchesDenylist reports whether title contains any keyword, case-insensitively.
func MatchesDenylist(title string, keywords []string) bool {
	lower := strings.ToLower(title)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// HasContentMarker checks that marker appears within the first window bytes of body.
func HasContentMarker(body []byte, marker string, window int) bool {
	if len(body) == 0 {
		return false
	}
	if marker == "" {
		return true
	}
	head := body
	if window > 0 && len(head) > window {
		head = head[:window]
	}
	return bytes.Contains(bytes.ToLower(head), bytes.ToLower([]byte(marker)))
}
