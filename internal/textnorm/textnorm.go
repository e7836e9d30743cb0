// Package textnorm maps raw query and word-list text to the canonical form used for matching.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC compatibility folding, lowercases, collapses every run of
// runes that are neither letters nor numbers into one space, and trims the result.
// Normalize(Normalize(s)) == Normalize(s) for every s.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	// A Caser keeps state between calls, so each call gets its own.
	folded := cases.Lower(language.Und).String(norm.NFKC.String(text))
	// Lowercasing can produce decomposed sequences (e.g. U+0130), so fold once more
	// to keep the output stable under a second pass.
	folded = norm.NFKC.String(folded)

	var b strings.Builder
	b.Grow(len(folded))
	pending := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			if pending && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}

// NormalizeValue normalizes v when it is a string and returns "" for anything else.
func NormalizeValue(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return Normalize(s)
}

// NormalizeAll normalizes each entry, drops empty results, and removes duplicates
// while keeping first-occurrence order.
func NormalizeAll(lines []string) []string {
	out := make([]string, 0, len(lines))
	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		n := Normalize(line)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
