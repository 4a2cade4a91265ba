// Package urlnorm provides deterministic URL canonicalization for duplicate
// detection. It is intentionally small and dependency-free beyond net/url:
//
//   - No logging in the library (callers decide how/what to log)
//   - Explicit, documented Options; DefaultOptions names the defaults
//   - Pure functions: the same input and options always yield the same key
//   - Graceful degradation: an unparseable URL canonicalizes to a trimmed,
//     optionally lowercased copy of itself rather than an error, so grouping
//     still behaves sensibly on dirty data
//
// Two raw URLs are considered duplicates when their canonical keys are equal
// under the active options.
package urlnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// Options controls which parts of a URL are stripped or folded during
// canonicalization. The zero value is NOT the default configuration; use
// DefaultOptions (or start from it) to get the documented defaults.
type Options struct {
	// RemovePath drops the entire path component. Default false.
	RemovePath bool
	// RemoveQuery drops the query string. Default true.
	RemoveQuery bool
	// RemoveFragment drops the #fragment. Default true.
	RemoveFragment bool
	// RemoveTrailingSlash strips a single trailing "/" from the path
	// (the root path "/" collapses to ""). Default true.
	RemoveTrailingSlash bool
	// Lowercase folds the entire canonical string to lower case. Default true.
	Lowercase bool
}

// DefaultOptions returns the canonical defaults: query, fragment, and
// trailing slash removed, everything lowercased, path kept.
func DefaultOptions() Options {
	return Options{
		RemovePath:          false,
		RemoveQuery:         true,
		RemoveFragment:      true,
		RemoveTrailingSlash: true,
		Lowercase:           true,
	}
}

// Canonicalize reduces raw to its canonical comparison key under opts.
//
// The scheme is always folded to lower case and a missing scheme defaults to
// https, so "HTTP://Example.com" and "example.com" can still collide when
// Lowercase is on. The userinfo portion is always dropped; default ports
// (:80 for http, :443 for https) are stripped.
func Canonicalize(raw string, opts Options) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}

	u, err := url.Parse(candidate)
	if err != nil || u.Host == "" {
		// Unparseable: fall back to the trimmed raw string.
		if opts.Lowercase {
			return strings.ToLower(raw)
		}
		return raw
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host += ":" + port
	}

	path := u.EscapedPath()
	if opts.RemovePath {
		path = ""
	} else if opts.RemoveTrailingSlash {
		path = strings.TrimSuffix(path, "/")
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)

	if !opts.RemoveQuery && u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	if !opts.RemoveFragment && u.Fragment != "" {
		b.WriteString("#")
		b.WriteString(u.Fragment)
	}

	out := b.String()
	if opts.Lowercase {
		out = strings.ToLower(out)
	}
	return out
}

// Domain extracts the lowercased host (without port) from a raw URL, or ""
// when the URL cannot be parsed. Used to denormalize URL.Domain on import.
func Domain(raw string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return ""
	}
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// GroupID derives a short, deterministic identifier for a canonical key.
// Identical keys always map to the same id, which lets a duplicate group be
// re-identified against a freshly computed snapshot.
func GroupID(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return "group_" + hex.EncodeToString(sum[:6])
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}
