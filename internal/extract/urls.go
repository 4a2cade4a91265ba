// Package extract pulls URLs out of free-form source text. It is the entry
// point of the import pipeline: section source documents go in, deduplicated
// candidate URLs come out.
package extract

import (
	"net/url"
	"regexp"
	"strings"
)

// urlPattern matches protocol-prefixed URLs, www-prefixed hosts, and bare
// domains. Characters that never appear unescaped in URLs terminate a match.
var urlPattern = regexp.MustCompile(`(?:https?|ftp)://[^\s<>"{}|\\^` + "`" + `\[\]]+|(?:www\.)[^\s<>"{}|\\^` + "`" + `\[\]]+|[a-zA-Z0-9][a-zA-Z0-9-]{1,61}[a-zA-Z0-9]\.[a-zA-Z]{2,}[^\s<>"{}|\\^` + "`" + `\[\]]*`)

// trailingPunct is stripped from match ends; prose routinely abuts URLs with
// sentence punctuation and closing parens.
const trailingPunct = ".,;:!?)"

// URLs extracts every valid URL from text, in order of first appearance,
// without duplicates. Matches lacking a scheme get https:// prefixed; the
// ftp scheme is preserved. Matches that still fail to parse as absolute URLs
// are dropped.
func URLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		u := Clean(m)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Clean normalizes one raw match: trailing punctuation is stripped, missing
// schemes default to https, and the result must parse as an absolute URL
// with a host. Returns "" for unusable matches.
func Clean(match string) string {
	u := strings.TrimRight(match, trailingPunct)
	switch {
	case strings.HasPrefix(u, "www."):
		u = "https://" + u
	case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"), strings.HasPrefix(u, "ftp://"):
		// already schemed
	case strings.HasPrefix(u, "mailto:"):
		return ""
	case strings.Contains(u, "."):
		u = "https://" + u
	default:
		return ""
	}

	parsed, err := url.Parse(u)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return u
}
