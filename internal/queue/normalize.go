// internal/queue/normalize.go
package queue

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// ErrIgnored marks URLs that are valid but never worth crawling.
var ErrIgnored = errors.New("url ignored")

// static assets never render an interactive page.
var ignoredExtensions = map[string]struct{}{
	".css": {}, ".js": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {},
	".woff": {}, ".woff2": {}, ".ico": {}, ".svg": {}, ".ttf": {}, ".eot": {},
	".pdf": {}, ".zip": {}, ".mp4": {}, ".mp3": {},
}

// Normalize resolves rawURL against baseURL and canonicalizes it: the fragment and
// default ports are dropped, an empty path becomes "/" and the query is sorted.
// Non-http(s) schemes and static assets are rejected.
func Normalize(rawURL, baseURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}

	if !u.IsAbs() {
		if baseURL == "" {
			if u.Host == "" {
				return nil, fmt.Errorf("relative URL without base: %s", rawURL)
			}
			u.Scheme = "https"
		} else {
			base, err := url.Parse(baseURL)
			if err != nil {
				return nil, fmt.Errorf("invalid base URL provided: %w", err)
			}
			u = base.ResolveReference(u)
		}
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrIgnored, u.Scheme)
	}

	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) || (u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Hostname()
	}
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}

	ext := strings.ToLower(filepath.Ext(u.Path))
	if _, ignore := ignoredExtensions[ext]; ignore {
		return nil, fmt.Errorf("%w: static asset %s", ErrIgnored, u.Path)
	}
	return u, nil
}

// NormalizeString is Normalize for callers that only need the canonical string.
func NormalizeString(rawURL, baseURL string) (string, error) {
	u, err := Normalize(rawURL, baseURL)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// SameDocument reports whether two URLs address the same document, ignoring fragments.
func SameDocument(a, b string) bool {
	na, errA := NormalizeString(a, "")
	nb, errB := NormalizeString(b, "")
	if errA != nil || errB != nil {
		return strings.TrimRight(stripFragment(a), "/") == strings.TrimRight(stripFragment(b), "/")
	}
	return na == nb
}

func stripFragment(s string) string {
	if i := strings.IndexByte(s, '#'); i >= 0 {
		return s[:i]
	}
	return s
}
