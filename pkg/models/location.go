package models

import (
	"path"
	"strings"
)

// NormalizeLocation returns the canonical form of a location: leading slash,
// no trailing slash, no duplicate separators. The empty path becomes "/".
func NormalizeLocation(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return path.Clean("/" + p)
}

// LocationUnder reports whether loc equals prefix or lies below it.
// Both are normalized first.
func LocationUnder(loc, prefix string) bool {
	loc = NormalizeLocation(loc)
	prefix = NormalizeLocation(prefix)
	if prefix == "/" {
		return true
	}
	return loc == prefix || strings.HasPrefix(loc, prefix+"/")
}

// LastSegment returns the final path segment of a normalized location.
func LastSegment(loc string) string {
	loc = NormalizeLocation(loc)
	return loc[strings.LastIndex(loc, "/")+1:]
}

// JoinLocation appends a child segment to a base location.
func JoinLocation(base, child string) string {
	return NormalizeLocation(NormalizeLocation(base) + "/" + child)
}
