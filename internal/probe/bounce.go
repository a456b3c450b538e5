package probe

import (
	"net/url"
	"regexp"
	"strings"
)

// Patterns for portals that answer with a 200 page which bounces the browser
// to the login form instead of issuing an HTTP redirect.
var (
	// Matches: <meta http-equiv="refresh" content="0; url=http://portal/login">
	metaRefreshPattern = regexp.MustCompile(`(?is)<meta[^>]+http-equiv\s*=\s*["']?refresh["']?[^>]*content\s*=\s*["']\s*\d*\s*;?\s*url\s*=\s*([^"'>\s]+)`)

	// Matches: window.location = "http://..."; location.href='http://...'
	scriptLocationPattern = regexp.MustCompile(`(?i)(?:window\.)?location(?:\.href)?\s*=\s*["']([^"']+)["']`)
)

// extractBounceURL returns the absolute bounce target found in body, or "".
func extractBounceURL(body string, base *url.URL) string {
	for _, pattern := range []*regexp.Regexp{metaRefreshPattern, scriptLocationPattern} {
		matches := pattern.FindStringSubmatch(body)
		if matches == nil {
			continue
		}
		raw := strings.TrimSpace(matches[1])
		ref, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		if ref.Scheme != "http" && ref.Scheme != "https" {
			continue
		}
		return ref.String()
	}
	return ""
}
