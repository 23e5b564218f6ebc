// Package prefix implements key namespace resolution. A backend
// configured with a prefix stores every object under that prefix while
// callers keep using logical keys.
package prefix

import "strings"

// Resolver maps logical keys to physical keys and back. The zero value
// is a pass-through resolver.
type Resolver struct {
	prefix string
}

// NewResolver normalizes the configured prefix. Leading and trailing
// slashes are trimmed and a single trailing slash is kept internally so
// Apply produces exactly one separator.
func NewResolver(p string) Resolver {
	p = strings.Trim(p, "/")
	if p == "" {
		return Resolver{}
	}
	return Resolver{prefix: p + "/"}
}

// Prefix returns the normalized prefix including the trailing slash, or
// an empty string when no prefix is configured.
func (r Resolver) Prefix() string {
	return r.prefix
}

// Apply converts a logical key to a physical key.
func (r Resolver) Apply(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + strings.TrimLeft(key, "/")
}

// Strip converts a physical key back to a logical key. Keys outside the
// namespace pass through unchanged.
func (r Resolver) Strip(key string) string {
	if r.prefix == "" {
		return key
	}
	if rest, ok := strings.CutPrefix(key, r.prefix); ok {
		return strings.TrimLeft(rest, "/")
	}
	return key
}
