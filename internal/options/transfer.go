package options

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/searchguard/internal/state"
)

// ErrInvalidImport rejects input that is not a JSON object.
var ErrInvalidImport = errors.New("options: import is not a valid JSON object")

// Export is the portable shape of the word list and settings.
type Export struct {
	WordList []string       `json:"wordList" yaml:"wordList"`
	Settings state.Settings `json:"settings" yaml:"settings"`
}

// NewExport captures the portable part of cfg.
func NewExport(cfg state.Configuration) Export {
	words := cfg.WordList
	if words == nil {
		words = []string{}
	}
	return Export{WordList: words, Settings: cfg.Settings}
}

// ExportJSON renders the export as indented JSON.
func ExportJSON(cfg state.Configuration) ([]byte, error) {
	data, err := json.MarshalIndent(NewExport(cfg), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return append(data, '\n'), nil
}

// ExportYAML renders the export as YAML.
func ExportYAML(cfg state.Configuration) ([]byte, error) {
	data, err := yaml.Marshal(NewExport(cfg))
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return data, nil
}

// ImportJSON validates data field by field and returns the patch to apply. The
// patch only carries what the input supplies: a non-array word list or a
// non-object settings value is ignored, unknown fields are ignored, and missing
// booleans take their defaults. Older key names are accepted.
func ImportJSON(data []byte) (state.Patch, error) {
	if !gjson.ValidBytes(data) {
		return state.Patch{}, ErrInvalidImport
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return state.Patch{}, ErrInvalidImport
	}

	var patch state.Patch
	if list := firstOf(root, "wordList", "ngWords"); list.IsArray() {
		patch = state.WithWordList(importWords(list))
	}
	if settings := root.Get("settings"); settings.IsObject() {
		s := state.Settings{
			UsePatternMode:  truthy(firstOf(settings, "usePatternMode", "useRegex")),
			UseWordBoundary: truthy(firstOf(settings, "useWordBoundary", "useWordBoundaryEN")),
			ShowIndicator:   firstOf(settings, "showIndicator", "showBadge").Type != gjson.False,
		}
		patch.Settings = state.FullSettings(s)
	}
	return patch, nil
}

func firstOf(obj gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := obj.Get(k); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// importWords trims each scalar entry, drops blanks, and keeps the first of repeats.
// Null, object, and array entries are skipped.
func importWords(list gjson.Result) []string {
	var raw []string
	list.ForEach(func(_, v gjson.Result) bool {
		switch v.Type {
		case gjson.String, gjson.Number, gjson.True, gjson.False:
			raw = append(raw, strings.TrimSpace(v.String()))
		}
		return true
	})
	return state.Dedupe(raw)
}

// truthy follows JSON-in-JavaScript truthiness: non-empty strings, non-zero
// numbers, true, objects, and arrays are true.
func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.String:
		return v.Str != ""
	case gjson.Number:
		return v.Num != 0 && !math.IsNaN(v.Num)
	default:
		return false
	}
}
