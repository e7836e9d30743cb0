package match

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchguard/internal/state"
	"github.com/JakeFAU/searchguard/internal/textnorm"
)

func TestFindMatch(t *testing.T) {
	t.Parallel()

	substring := state.Settings{}
	pattern := state.Settings{UsePatternMode: true}
	bounded := state.Settings{UsePatternMode: true, UseWordBoundary: true}

	tests := []struct {
		name     string
		query    string
		words    []string
		settings state.Settings
		want     string
		ok       bool
	}{
		{name: "symbols collapse and case folds", query: "I like BANANA!!", words: []string{"banana"}, settings: substring, want: "banana", ok: true},
		{name: "no match", query: "I like apples", words: []string{"banana"}, settings: substring},
		{name: "empty query", query: "", words: []string{"banana"}, settings: substring},
		{name: "empty list", query: "banana", settings: substring},
		{name: "first entry in list order wins", query: "red apple pie", words: []string{"pie", "apple"}, settings: substring, want: "pie", ok: true},
		{name: "word normalized in substring mode", query: "ｆｉｓｈ tacos", words: []string{"FISH!"}, settings: substring, want: "FISH!", ok: true},
		{name: "all-symbol entry never matches", query: "anything", words: []string{"!!!", "   "}, settings: substring},
		{name: "all-symbol query", query: "?!", words: []string{"a"}, settings: substring},
		{name: "boundary rejects inner match", query: "concatenate", words: []string{"cat"}, settings: bounded},
		{name: "boundary accepts whole word", query: "a cat sat", words: []string{"cat"}, settings: bounded, want: "cat", ok: true},
		{name: "no boundary inner match", query: "concatenate", words: []string{"cat"}, settings: pattern, want: "cat", ok: true},
		{name: "pattern case insensitive", query: "BigCat", words: []string{"CAT"}, settings: pattern, want: "CAT", ok: true},
		{name: "pattern syntax", query: "color and colour", words: []string{"colou?r$"}, settings: pattern, want: "colou?r$", ok: true},
		{name: "invalid pattern does not stop scan", query: "I like food", words: []string{"(bar", "food"}, settings: pattern, want: "food", ok: true},
		{name: "invalid pattern degrades to substring", query: "about foo stuff", words: []string{"(foo"}, settings: pattern, want: "(foo", ok: true},
		{name: "backreference is invalid", query: "see ab-1", words: []string{`(ab)\1`}, settings: pattern, want: `(ab)\1`, ok: true},
		{name: "pattern not normalized", query: "Ｃａｔ", words: []string{"Ｃａｔ"}, settings: pattern},
		{name: "empty-only pattern never matches", query: "hello", words: []string{"z*"}, settings: pattern},
		{name: "non ascii pattern left unwrapped", query: "バナナジュース", words: []string{"バナナ"}, settings: bounded, want: "バナナ", ok: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := FindMatch(tc.query, tc.words, tc.settings)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)

			cached, cachedOK := NewMatcher(8).FindMatch(tc.query, tc.words, tc.settings)
			require.Equal(t, ok, cachedOK)
			require.Equal(t, got, cached)
		})
	}
}

func TestSubstringModeProperty(t *testing.T) {
	t.Parallel()

	queries := []string{"I like BANANA!!", "ＡＢＣ-def", "R2-D2 droid", "", "ﾊﾞﾅﾅ split", "cat.cat"}
	words := []string{"banana", "abc def", "d2", "", "!!!", "バナナ", "cat cat", "zzz"}

	for _, q := range queries {
		got, ok := FindMatch(q, words, state.Settings{})
		want, wantOK := "", false
		nq := textnorm.Normalize(q)
		for _, w := range words {
			nw := textnorm.Normalize(w)
			if q != "" && nw != "" && strings.Contains(nq, nw) {
				want, wantOK = w, true
				break
			}
		}
		require.Equal(t, wantOK, ok, "query %q", q)
		require.Equal(t, want, got, "query %q", q)
	}
}

func TestMatcherCachesPatterns(t *testing.T) {
	t.Parallel()

	m := NewMatcher(2)
	settings := state.Settings{UsePatternMode: true}
	for range 3 {
		_, ok := m.FindMatch("dog house", []string{"cat", "(bad", "dog"}, settings)
		require.True(t, ok)
	}
	// Capacity bounds the cache even with three distinct entries.
	require.Equal(t, 2, m.Len())

	var nilMatcher *Matcher
	got, ok := nilMatcher.FindMatch("dog", []string{"dog"}, settings)
	require.True(t, ok)
	require.Equal(t, "dog", got)
}

func TestPatternSource(t *testing.T) {
	t.Parallel()

	require.Equal(t, `\bcat\b`, PatternSource("cat", true))
	require.Equal(t, "cat", PatternSource("cat", false))
	require.Equal(t, "ca.t", PatternSource("ca.t", true))
	require.Equal(t, "猫", PatternSource("猫", true))
}

func ExampleFindMatch() {
	word, ok := FindMatch("I like BANANA!!", []string{"banana"}, state.DefaultSettings())
	fmt.Println(word, ok)
	_, ok = FindMatch("I like apples", []string{"banana"}, state.DefaultSettings())
	fmt.Println(ok)
	// Output:
	// banana true
	// false
}
