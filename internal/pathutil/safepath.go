// Package pathutil checks request paths before they are matched to a rate
// limit profile.
package pathutil

import "strings"

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// HasEmptySegments reports whether p contains "//" anywhere.
func HasEmptySegments(p string) bool {
	return strings.Contains(p, "//")
}

// Canonical reports whether p is already in the form an upstream router
// would normalize it to. A non-canonical path could match one profile here
// and resolve to another route upstream, e.g. /api/search/../auth/login.
func Canonical(p string) bool {
	return strings.HasPrefix(p, "/") && !HasDotSegments(p) && !HasEmptySegments(p)
}
