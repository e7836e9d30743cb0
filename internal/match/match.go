// Package match decides whether a search query hits an entry of the NG word list.
package match

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JakeFAU/searchguard/internal/state"
	"github.com/JakeFAU/searchguard/internal/textnorm"
)

const defaultCacheSize = 512

// FindMatch returns the first entry of words, in list order, that matches query under
// settings. An empty query or list never matches.
func FindMatch(query string, words []string, settings state.Settings) (string, bool) {
	return find(query, words, settings, compile)
}

// Matcher evaluates queries like FindMatch while keeping compiled patterns in a
// bounded cache. It is safe for concurrent use.
type Matcher struct {
	cache *lru.Cache[string, *compiled]
}

type compiled struct {
	re *regexp.Regexp
}

// NewMatcher builds a Matcher holding at most size compiled patterns.
func NewMatcher(size int) *Matcher {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, *compiled](size)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return &Matcher{cache: cache}
}

// FindMatch is the cached form of the package-level FindMatch.
func (m *Matcher) FindMatch(query string, words []string, settings state.Settings) (string, bool) {
	if m == nil {
		return FindMatch(query, words, settings)
	}
	return find(query, words, settings, m.compile)
}

// Len reports the number of cached patterns.
func (m *Matcher) Len() int {
	return m.cache.Len()
}

func (m *Matcher) compile(source string) *regexp.Regexp {
	if c, ok := m.cache.Get(source); ok {
		return c.re
	}
	re := compile(source)
	// Failed compilations are cached too so a bad entry is parsed once.
	m.cache.Add(source, &compiled{re: re})
	return re
}

func find(query string, words []string, settings state.Settings, compileFn func(string) *regexp.Regexp) (string, bool) {
	if query == "" || len(words) == 0 {
		return "", false
	}
	normalized := textnorm.Normalize(query)
	if normalized == "" {
		return "", false
	}
	for _, word := range words {
		if word == "" {
			continue
		}
		if !settings.UsePatternMode {
			if containsNonEmpty(normalized, textnorm.Normalize(word)) {
				return word, true
			}
			continue
		}
		re := compileFn(PatternSource(word, settings.UseWordBoundary))
		if re == nil {
			if containsNonEmpty(normalized, textnorm.Normalize(word)) {
				return word, true
			}
			continue
		}
		if matchesNonEmpty(re, normalized) {
			return word, true
		}
	}
	return "", false
}

// PatternSource returns the expression compiled for a pattern-mode entry. Pure ASCII
// alphanumeric entries are anchored on word boundaries when boundary is set.
func PatternSource(word string, boundary bool) string {
	if boundary && isASCIIAlnum(word) {
		return `\b` + word + `\b`
	}
	return word
}

func compile(source string) *regexp.Regexp {
	re, err := regexp.Compile("(?i)" + source)
	if err != nil {
		return nil
	}
	return re
}

// matchesNonEmpty rejects patterns whose only match is the empty string, such as "x*".
func matchesNonEmpty(re *regexp.Regexp, text string) bool {
	for _, loc := range re.FindAllStringIndex(text, -1) {
		if loc[1] > loc[0] {
			return true
		}
	}
	return false
}

func containsNonEmpty(haystack, needle string) bool {
	return needle != "" && strings.Contains(haystack, needle)
}

func isASCIIAlnum(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}
