package watcher

import (
	"path/filepath"
	"strings"
)

// ParsePatterns splits the comma-separated pattern form used on the wire and
// in config. Blank entries are dropped; the result is never nil.
func ParsePatterns(s string) []string {
	return NormalizePatterns([]string{s})
}

// NormalizePatterns splits every entry on commas, trims the pieces and drops
// the blank ones. Patterns are stored comma-joined, so a pattern can never
// contain a comma itself.
func NormalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, entry := range patterns {
		for _, p := range strings.Split(entry, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Matches reports whether path is accepted by patterns.
//
// An empty list accepts everything. A pattern of the form "*.ext" accepts
// paths whose extension is exactly ".ext"; any other pattern accepts paths
// that contain it, either in the full path or in the base name. Matching is
// case-sensitive and any single accepting pattern is enough.
func Matches(path string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	ext := filepath.Ext(path)
	name := filepath.Base(path)
	considered := 0
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		considered++
		if strings.HasPrefix(p, "*.") {
			if ext == p[1:] {
				return true
			}
			continue
		}
		if strings.Contains(path, p) || strings.Contains(name, p) {
			return true
		}
	}
	// A list made only of blanks behaves like an empty list.
	return considered == 0
}
