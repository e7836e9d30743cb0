// Package state holds the process-wide guard configuration: the NG word list, the
// matching settings, the bypass deadline, and the blocked counter.
package state

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"
)

// Key names one top-level configuration field.
type Key string

// Top-level configuration keys, also used as JSON field names.
const (
	KeyWordList     Key = "wordList"
	KeySettings     Key = "settings"
	KeyBypassUntil  Key = "bypassUntil"
	KeyBlockedCount Key = "blockedCount"
)

// Settings toggles the matching modes and the indicator.
type Settings struct {
	UsePatternMode  bool `json:"usePatternMode" yaml:"usePatternMode"`
	UseWordBoundary bool `json:"useWordBoundary" yaml:"useWordBoundary"`
	ShowIndicator   bool `json:"showIndicator" yaml:"showIndicator"`
}

// DefaultSettings returns the settings used for any key that was never written.
func DefaultSettings() Settings {
	return Settings{ShowIndicator: true}
}

// Configuration is the fully populated view returned by every read.
type Configuration struct {
	WordList     []string `json:"wordList"`
	Settings     Settings `json:"settings"`
	BypassUntil  *int64   `json:"bypassUntil"`
	BlockedCount int64    `json:"blockedCount"`
}

// Default returns the configuration written on first install.
func Default() Configuration {
	return Configuration{
		WordList: []string{},
		Settings: DefaultSettings(),
	}
}

// Bypassed reports whether blocking is suspended at now. A deadline at or before now
// counts as expired.
func (c Configuration) Bypassed(now time.Time) bool {
	return c.BypassUntil != nil && now.UnixMilli() < *c.BypassUntil
}

// BypassDeadline returns the deadline as a time when one is set.
func (c Configuration) BypassDeadline() (time.Time, bool) {
	if c.BypassUntil == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*c.BypassUntil).UTC(), true
}

// Active reports whether queries should be evaluated at now.
func (c Configuration) Active(now time.Time) bool {
	return len(c.WordList) > 0 && !c.Bypassed(now)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c Configuration) Clone() Configuration {
	out := c
	out.WordList = slices.Clone(c.WordList)
	if out.WordList == nil {
		out.WordList = []string{}
	}
	if c.BypassUntil != nil {
		v := *c.BypassUntil
		out.BypassUntil = &v
	}
	return out
}

// SettingsPatch updates individual settings; nil fields stay untouched.
type SettingsPatch struct {
	UsePatternMode  *bool `json:"usePatternMode,omitempty"`
	UseWordBoundary *bool `json:"useWordBoundary,omitempty"`
	ShowIndicator   *bool `json:"showIndicator,omitempty"`
}

// Empty reports whether the patch carries no values.
func (p *SettingsPatch) Empty() bool {
	return p == nil || (p.UsePatternMode == nil && p.UseWordBoundary == nil && p.ShowIndicator == nil)
}

// FullSettings converts a complete Settings value into a patch that sets every key.
func FullSettings(s Settings) *SettingsPatch {
	return &SettingsPatch{
		UsePatternMode:  &s.UsePatternMode,
		UseWordBoundary: &s.UseWordBoundary,
		ShowIndicator:   &s.ShowIndicator,
	}
}

// Deadline is a tri-state bypass update: absent, cleared (JSON null), or set.
type Deadline struct {
	Set   bool
	Value *int64
}

// SetDeadline returns a Deadline that stores t.
func SetDeadline(t time.Time) Deadline {
	ms := t.UnixMilli()
	return Deadline{Set: true, Value: &ms}
}

// ClearDeadline returns a Deadline that removes any bypass.
func ClearDeadline() Deadline {
	return Deadline{Set: true}
}

// MarshalJSON encodes the deadline as a number or null.
func (d Deadline) MarshalJSON() ([]byte, error) {
	if d.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*d.Value)
}

// UnmarshalJSON accepts a number or null. Presence of the key marks the deadline as set.
func (d *Deadline) UnmarshalJSON(data []byte) error {
	d.Set = true
	if string(data) == "null" {
		d.Value = nil
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("decode bypassUntil: %w", err)
	}
	d.Value = &ms
	return nil
}

// Patch is a partial update merged into the stored configuration. BypassUntil is a
// value so that an explicit JSON null reaches its decoder. The blocked counter is
// not patchable; it only grows through Store.IncrementBlocked.
type Patch struct {
	WordList    []string       `json:"wordList,omitempty"`
	SetWordList bool           `json:"-"`
	Settings    *SettingsPatch `json:"settings,omitempty"`
	BypassUntil Deadline       `json:"bypassUntil"`
}

// UnmarshalJSON records whether wordList was present so an explicit empty list clears it.
func (p *Patch) UnmarshalJSON(data []byte) error {
	type plain Patch
	var raw struct {
		plain
		WordList *[]string `json:"wordList"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode patch: %w", err)
	}
	*p = Patch(raw.plain)
	if raw.WordList != nil {
		p.WordList = *raw.WordList
		if p.WordList == nil {
			p.WordList = []string{}
		}
		p.SetWordList = true
	}
	return nil
}

// MarshalJSON always emits wordList when SetWordList is true, even when empty.
func (p Patch) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if p.SetWordList || p.WordList != nil {
		words := p.WordList
		if words == nil {
			words = []string{}
		}
		out[string(KeyWordList)] = words
	}
	if !p.Settings.Empty() {
		out[string(KeySettings)] = p.Settings
	}
	if p.BypassUntil.Set {
		out[string(KeyBypassUntil)] = p.BypassUntil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	return data, nil
}

// WithWordList returns a patch that replaces the word list.
func WithWordList(words []string) Patch {
	if words == nil {
		words = []string{}
	}
	return Patch{WordList: words, SetWordList: true}
}

// Change is delivered to subscribers after a write changed at least one key.
type Change struct {
	Keys  []Key         `json:"keys"`
	State Configuration `json:"state"`
}

// Has reports whether key is among the changed keys.
func (c Change) Has(key Key) bool {
	return slices.Contains(c.Keys, key)
}

func sortKeys(keys []Key) []Key {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
