package scheduler

import (
	"path"
	"strings"
)

// MatchPath reports whether a slash-separated file path is matched by an
// ownership glob. Segments use path.Match syntax; "**" matches any number of
// segments. A pattern ending in "/" or naming a directory owns everything below it.
func MatchPath(pattern, file string) bool {
	pattern = normalizePattern(pattern)
	file = strings.Trim(path.Clean(file), "/")
	if pattern == "" || file == "" {
		return false
	}
	if matchSegments(strings.Split(file, "/"), strings.Split(pattern, "/")) {
		return true
	}
	// A literal directory owns the files beneath it.
	if !hasMeta(pattern) && strings.HasPrefix(file, pattern+"/") {
		return true
	}
	return false
}

// PatternsOverlap reports whether some path could be matched by both globs.
// The answer is conservative: when two wildcard segments cannot be proven
// disjoint they are treated as overlapping.
func PatternsOverlap(a, b string) bool {
	a, b = normalizePattern(a), normalizePattern(b)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	// Literal directories own their subtree.
	if !hasMeta(a) && (strings.HasPrefix(b, a+"/") || MatchPath(b, a)) {
		return true
	}
	if !hasMeta(b) && (strings.HasPrefix(a, b+"/") || MatchPath(a, b)) {
		return true
	}
	return overlapSegments(strings.Split(a, "/"), strings.Split(b, "/"))
}

// AnyOverlap reports whether any glob in a overlaps any glob in b.
func AnyOverlap(a, b []string) bool {
	for _, pa := range a {
		for _, pb := range b {
			if PatternsOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

func normalizePattern(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "./")
	if strings.HasSuffix(p, "/") {
		p += "**"
	}
	return strings.Trim(p, "/")
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// matchSegments recursively matches path segments against pattern segments.
func matchSegments(file, pattern []string) bool {
	if len(pattern) == 0 {
		return len(file) == 0
	}

	p := pattern[0]
	rest := pattern[1:]

	if p == "**" {
		if len(rest) == 0 {
			return true
		}
		for i := 0; i <= len(file); i++ {
			if matchSegments(file[i:], rest) {
				return true
			}
		}
		return false
	}

	if len(file) == 0 {
		return false
	}
	ok, err := path.Match(p, file[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(file[1:], rest)
}

// overlapSegments decides whether two segment lists can match a common path.
func overlapSegments(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) > 0 && a[0] == "**" {
		if overlapSegments(a[1:], b) {
			return true
		}
		return len(b) > 0 && overlapSegments(a, b[1:])
	}
	if len(b) > 0 && b[0] == "**" {
		return overlapSegments(b, a)
	}
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if !segmentsOverlap(a[0], b[0]) {
		return false
	}
	return overlapSegments(a[1:], b[1:])
}

// segmentsOverlap compares two single path segments.
func segmentsOverlap(a, b string) bool {
	metaA, metaB := hasMeta(a), hasMeta(b)
	switch {
	case !metaA && !metaB:
		return a == b
	case !metaA:
		ok, err := path.Match(b, a)
		return err == nil && ok
	case !metaB:
		ok, err := path.Match(a, b)
		return err == nil && ok
	}

	// Both wildcards: their literal prefixes and suffixes must be compatible.
	preA, sufA := literalEnds(a)
	preB, sufB := literalEnds(b)
	if !strings.HasPrefix(preA, preB) && !strings.HasPrefix(preB, preA) {
		return false
	}
	if !strings.HasSuffix(sufA, sufB) && !strings.HasSuffix(sufB, sufA) {
		return false
	}
	return true
}

// literalEnds returns the text before the first and after the last glob metacharacter.
func literalEnds(seg string) (prefix, suffix string) {
	first := strings.IndexAny(seg, "*?[")
	last := strings.LastIndexAny(seg, "*?]")
	prefix = seg[:first]
	if last >= 0 && last+1 <= len(seg) {
		suffix = seg[last+1:]
	}
	return prefix, suffix
}
