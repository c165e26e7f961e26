package keywords

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

var namePrefixes = map[string]struct{}{
	"mr": {}, "ms": {}, "mrs": {}, "dr": {}, "sir": {}, "lady": {},
	"captain": {}, "prof": {}, "professor": {},
}

var nameSuffixes = map[string]struct{}{
	"jr": {}, "sr": {}, "ii": {}, "iii": {}, "iv": {}, "phd": {}, "md": {},
}

// NormalizeName lower-cases name, strips punctuation and drops honorific
// prefixes and generational or academic suffixes.
//
//	NormalizeName("Dr. Jane Doe, PhD") // "jane doe"
func NormalizeName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, name)

	parts := strings.Fields(cleaned)
	for len(parts) > 1 {
		if _, ok := namePrefixes[parts[0]]; !ok {
			break
		}
		parts = parts[1:]
	}
	for len(parts) > 1 {
		if _, ok := nameSuffixes[parts[len(parts)-1]]; !ok {
			break
		}
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, " ")
}

// nameMatcher resolves a surface form against a roster of known characters.
type nameMatcher struct {
	names      []string // canonical spelling, roster order
	normalized []string // NormalizeName of names, same order
	exact      map[string]string
}

func newNameMatcher(names []string) *nameMatcher {
	m := &nameMatcher{exact: make(map[string]string, len(names))}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, dup := m.exact[n]; dup {
			continue
		}
		m.exact[n] = n
		m.names = append(m.names, n)
		m.normalized = append(m.normalized, NormalizeName(n))
	}
	return m
}

// match returns the canonical roster name for candidate. Exact spellings win
// immediately. Otherwise the first roster entry that shares a first or last
// name part, or that is close by both Jaro-Winkler similarity and Levenshtein
// distance, is returned. Candidates of two characters or fewer never match
// fuzzily.
func (m *nameMatcher) match(candidate string) (string, bool) {
	if n, ok := m.exact[candidate]; ok {
		return n, true
	}
	norm := NormalizeName(candidate)
	n := len([]rune(norm))
	if n <= 2 {
		return "", false
	}

	levThreshold := 3
	switch {
	case n < 5:
		levThreshold = 1
	case n < 12:
		levThreshold = 2
	}
	jaroThreshold := max(0.75, float64(n-2)/float64(n))

	for i, known := range m.normalized {
		if known == "" {
			continue
		}
		if partialName(norm, known) {
			return m.names[i], true
		}
		ratio := float64(len([]rune(known))) / (float64(n) + 0.01)
		if ratio <= 0.5 || ratio >= 2 {
			continue
		}
		if matchr.JaroWinkler(known, norm, false) > jaroThreshold &&
			matchr.Levenshtein(known, norm) < levThreshold {
			return m.names[i], true
		}
	}
	return "", false
}

// partialName reports whether a and b share their first or their last part.
func partialName(a, b string) bool {
	ap, bp := strings.Fields(a), strings.Fields(b)
	if len(ap) == 0 || len(bp) == 0 {
		return false
	}
	return ap[0] == bp[0] || ap[len(ap)-1] == bp[len(bp)-1]
}
