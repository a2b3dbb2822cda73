// Package weburl holds the URL helpers shared by the session, resolver and
// fetcher: host extraction, page identity and link resolution.
package weburl

import (
	"fmt"
	"net/url"
	"strings"
)

// Host extracts the lower-cased hostname from an absolute URL.
// Relative URLs yield an empty host.
func Host(raw string) (string, error) {
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	if !strings.Contains(raw, "://") {
		return "", nil
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return strings.ToLower(parsed.Hostname()), nil
}

// SamePage reports whether two absolute URLs address the same page, ignoring
// scheme, query, fragment and a trailing slash.
func SamePage(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	if !strings.EqualFold(ua.Hostname(), ub.Hostname()) || ua.Port() != ub.Port() {
		return false
	}
	return strings.TrimSuffix(ua.EscapedPath(), "/") == strings.TrimSuffix(ub.EscapedPath(), "/")
}

// Resolve turns an href found on page base into an absolute URL
func Resolve(base, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", fmt.Errorf("empty link")
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid page URL %q: %w", base, err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("invalid link %q: %w", href, err)
	}
	if strings.HasPrefix(strings.ToLower(ref.Scheme), "javascript") {
		return "", fmt.Errorf("link %q is not navigable", href)
	}
	return b.ResolveReference(ref).String(), nil
}
