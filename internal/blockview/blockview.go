// Package blockview builds and renders the page a tab is sent to after a blocked
// search.
package blockview

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/JakeFAU/searchguard/internal/engine"
)

// Path is the route the block page is served on.
const Path = "/blocked"

//go:embed block.html.tmpl
var pageSource string

var page = template.Must(template.New("block").Parse(pageSource))

// Params are the values carried in the block page URL.
type Params struct {
	Query       string
	MatchedTerm string
	EngineHost  string
}

// URL returns the block page address under base. An empty host is sent as "unknown".
func URL(base string, p Params) string {
	host := p.EngineHost
	if host == "" {
		host = "unknown"
	}
	v := url.Values{}
	v.Set("query", p.Query)
	v.Set("ngword", p.MatchedTerm)
	v.Set("engine", host)
	return strings.TrimRight(base, "/") + Path + "?" + v.Encode()
}

// ParseParams reads the block page parameters from a query string.
func ParseParams(v url.Values) Params {
	return Params{
		Query:       v.Get("query"),
		MatchedTerm: v.Get("ngword"),
		EngineHost:  v.Get("engine"),
	}
}

type pageData struct {
	MatchedTerm string
	Engine      string
}

// Render writes the block page for p. The query itself is not shown.
func Render(p Params) ([]byte, error) {
	data := pageData{MatchedTerm: p.MatchedTerm, Engine: engine.FriendlyName(p.EngineHost)}
	if data.MatchedTerm == "" {
		data.MatchedTerm = engine.Unknown
	}
	var buf bytes.Buffer
	if err := page.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render block page: %w", err)
	}
	return buf.Bytes(), nil
}

// Handler serves the block page.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := Render(ParseParams(r.URL.Query()))
		if err != nil {
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(body)
	})
}
