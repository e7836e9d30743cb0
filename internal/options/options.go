// Package options implements the settings authoring surface shared by the CLI and
// the HTTP API: word-list editing, bypass requests, and JSON/YAML import and export.
package options

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/JakeFAU/searchguard/internal/bypass"
	"github.com/JakeFAU/searchguard/internal/state"
	"github.com/JakeFAU/searchguard/internal/textnorm"
)

// ErrInvalidMinutes is returned for a non-positive bypass duration.
var ErrInvalidMinutes = errors.New("options: bypass minutes must be positive")

// DurationChoices are the bypass lengths offered by the settings surface, in minutes.
var DurationChoices = []int{5, 15, 30, 60}

// ParseWordList turns line-delimited text into the stored word list: every line is
// normalized, empty results are dropped, and repeats collapse to the first occurrence.
func ParseWordList(text string) []string {
	if strings.TrimSpace(text) == "" {
		return []string{}
	}
	return textnorm.NormalizeAll(strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n"))
}

// AddWords appends the normalized lines of text that are not already present.
func AddWords(words []string, text string) []string {
	out := slices.Clone(words)
	for _, w := range ParseWordList(text) {
		if !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// RemoveWord returns words without any entry equal to word.
func RemoveWord(words []string, word string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w != word {
			out = append(out, w)
		}
	}
	return out
}

// BypassPatch builds the write that suspends blocking for minutes from now.
func BypassPatch(now time.Time, minutes int) (state.Patch, error) {
	if minutes <= 0 {
		return state.Patch{}, fmt.Errorf("%w: %d", ErrInvalidMinutes, minutes)
	}
	return state.Patch{BypassUntil: state.SetDeadline(now.Add(time.Duration(minutes) * time.Minute))}, nil
}

// CancelBypassPatch builds the write that ends a bypass early.
func CancelBypassPatch() state.Patch {
	return state.Patch{BypassUntil: state.ClearDeadline()}
}

// StatusLine renders the blocking state the way the settings page shows it.
func StatusLine(cfg state.Configuration, now time.Time) string {
	st := bypass.StatusAt(cfg, now)
	if !st.Bypassed {
		return "active"
	}
	return fmt.Sprintf("bypassed (about %d min left)", st.RemainingMinutes)
}

// BackupFileName is the download name for an export taken at now.
func BackupFileName(now time.Time) string {
	return fmt.Sprintf("ngword-blocker-backup-%s.json", now.UTC().Format("2006-01-02"))
}
