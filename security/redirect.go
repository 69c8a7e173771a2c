// Package security provides protocol-independent security primitives for the
// OAuth proxy: redirect URI validation, private-network guards for
// server-side fetches, rate limiting, and random token generation.
package security

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// localhostHosts are the hosts accepted by the conservative default redirect
// policy when no patterns are configured. Any port and path is allowed.
var localhostHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"[::1]":     true,
}

// dangerousSchemes can smuggle script or filesystem access through a redirect
// and are rejected regardless of configured patterns.
var dangerousSchemes = map[string]bool{
	"javascript": true,
	"data":       true,
	"file":       true,
	"vbscript":   true,
	"about":      true,
}

// patternCache memoizes compiled redirect patterns. Pattern lists are small
// and static per deployment, so the cache is never evicted.
var patternCache sync.Map // pattern string -> *regexp.Regexp

// MatchesRedirectPattern reports whether uri matches a wildcard redirect
// pattern. The only meta character is "*", which matches any run of
// characters except "/" (so it never crosses a path segment and a host
// wildcard never swallows the path). Scheme and host compare
// case-insensitively, path and query case-sensitively.
func MatchesRedirectPattern(uri, pattern string) bool {
	re, err := compileRedirectPattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(normalizeSchemeHost(uri))
}

// compileRedirectPattern translates a wildcard pattern into an anchored
// regular expression, lowercasing the scheme://host prefix so the comparison
// matches the case-sensitivity rules of RFC 3986.
func compileRedirectPattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	normalized := normalizeSchemeHost(pattern)
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(normalized), `\*`, `[^/]*`) + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect pattern %q: %w", pattern, err)
	}

	patternCache.Store(pattern, re)
	return re, nil
}

// normalizeSchemeHost lowercases everything up to the first path segment.
// For URIs that fail to parse the whole string is left untouched; matching
// then degrades to a literal comparison.
func normalizeSchemeHost(uri string) string {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return uri
	}
	rest := uri[idx+3:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return strings.ToLower(uri)
	}
	return strings.ToLower(uri[:idx+3+slash]) + rest[slash:]
}

// ValidateRedirectURI checks a redirect URI against the configured wildcard
// patterns.
//
//   - patterns == nil: conservative default, only localhost/127.0.0.1/[::1]
//     on any port (and any path) are accepted.
//   - patterns is an empty, non-nil slice: every URI is accepted. This is an
//     explicit opt-out intended for development; it removes open-redirect
//     protection and must never be the default.
//   - otherwise: the URI must match at least one pattern.
//
// Structurally unsafe URIs (fragments, javascript:/data:/file: schemes,
// unparseable input) are rejected before any pattern is consulted.
func ValidateRedirectURI(uri string, patterns []string) bool {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme == "" {
		return false
	}
	// RFC 6749 3.1.2: the redirection endpoint URI MUST NOT include a fragment.
	if parsed.Fragment != "" {
		return false
	}
	if dangerousSchemes[strings.ToLower(parsed.Scheme)] {
		return false
	}

	if patterns == nil {
		return isLoopbackRedirect(parsed)
	}
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if MatchesRedirectPattern(uri, pattern) {
			return true
		}
	}
	return false
}

// isLoopbackRedirect reports whether the URI targets the local machine over
// http or https. RFC 8252 8.3 permits plain http for loopback redirects.
func isLoopbackRedirect(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	return localhostHosts[strings.ToLower(u.Hostname())]
}
