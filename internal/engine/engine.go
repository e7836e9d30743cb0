// Package engine knows the search-engine page shapes the guard understands: which
// hosts are search pages, where the query lives in their URLs, and what to call
// them on the block view.
package engine

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// QueryParams are the URL query parameters that carry the search text, checked in order.
var QueryParams = []string{"q", "p", "text"}

// FormFields are the form field names read on submission, checked in order.
var FormFields = []string{"q", "p", "text"}

// InputSelectors match the search inputs that get keypress interception.
var InputSelectors = []string{
	`input[name="q"]`,
	`textarea[name="q"]`,
	`input[name="p"]`,
	`input[type="search"]`,
	`.gLFyf`,
	`#sb_form_q`,
	`.js-search-input`,
}

// WatchSelector matches added nodes that warrant re-attaching interceptors.
const WatchSelector = `form, input[name="q"], input[name="p"]`

// Engine is one known search engine.
type Engine struct {
	Name      string
	HostGlobs []string
}

var builtin = []Engine{
	{Name: "Google", HostGlobs: []string{"google.{com,co.jp,co.uk,de,fr}", "www.google.{com,co.jp,co.uk,de,fr}"}},
	{Name: "Bing", HostGlobs: []string{"bing.com", "www.bing.com"}},
	{Name: "DuckDuckGo", HostGlobs: []string{"duckduckgo.com"}},
	{Name: "Yahoo! JAPAN", HostGlobs: []string{"search.yahoo.co.jp"}},
}

// Registry matches hosts against the builtin engines plus configured extras.
type Registry struct {
	engines []Engine
}

// NewRegistry returns the builtin engines plus one "Custom" engine covering extra.
// Every glob is validated up front.
func NewRegistry(extra []string) (*Registry, error) {
	engines := append([]Engine(nil), builtin...)
	var custom []string
	for _, g := range extra {
		g = strings.ToLower(strings.TrimSpace(g))
		if g == "" {
			continue
		}
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid engine host glob %q", g)
		}
		custom = append(custom, g)
	}
	if len(custom) > 0 {
		engines = append(engines, Engine{Name: "Custom", HostGlobs: custom})
	}
	return &Registry{engines: engines}, nil
}

// Default returns a registry holding only the builtin engines.
func Default() *Registry {
	return &Registry{engines: append([]Engine(nil), builtin...)}
}

// Lookup returns the engine whose globs match host.
func (r *Registry) Lookup(host string) (Engine, bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return Engine{}, false
	}
	for _, e := range r.engines {
		for _, g := range e.HostGlobs {
			if ok, err := doublestar.Match(g, host); err == nil && ok {
				return e, true
			}
		}
	}
	return Engine{}, false
}

// IsSearchPage reports whether rawURL is an http(s) page on a known engine.
func (r *Registry) IsSearchPage(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	_, ok := r.Lookup(u.Hostname())
	return ok
}

// QueryFromURL returns the first non-empty designated query parameter of rawURL,
// untrimmed, or "" when there is none.
func QueryFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	values := u.Query()
	for _, p := range QueryParams {
		if v := values.Get(p); v != "" {
			return v
		}
	}
	return ""
}

// HostOf returns the hostname of rawURL or "".
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
