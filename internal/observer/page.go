// Package observer watches one search page for user queries, evaluates each
// against the word list, and hands matches to the redirect coordinator. Every
// observation strategy feeds a single queue drained by one evaluator, so
// decisions are made in arrival order.
package observer

import (
	"context"
	"slices"
	"strings"

	"github.com/JakeFAU/searchguard/internal/engine"
)

// Source names the strategy that observed a query.
type Source string

// Observation strategies.
const (
	SourceURL        Source = "url"
	SourceKeypress   Source = "keypress"
	SourceSubmit     Source = "submit"
	SourceNavigation Source = "navigation"
	SourceMutation   Source = "mutation"
	SourcePoll       Source = "poll"
)

// Decision answers an interception.
type Decision int

// Interception outcomes. Block means the host cancels the default action and
// stops propagation.
const (
	Allow Decision = iota
	Block
)

func (d Decision) String() string {
	if d == Block {
		return "block"
	}
	return "allow"
}

// SignalKind classifies what the page reported.
type SignalKind int

// Signals a page can deliver.
const (
	// SignalNavigated covers history push/replace, back/forward, and same-document
	// navigation.
	SignalNavigated SignalKind = iota + 1
	// SignalMutation reports added nodes that are or contain a form or known input.
	SignalMutation
	// SignalKeypress is an intercepted Enter on a known search input.
	SignalKeypress
	// SignalSubmit is an intercepted form submission.
	SignalSubmit
)

// Field is one form control as the host saw it at submit time.
type Field struct {
	Tag   string `json:"tag"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// FocusedField describes the element holding focus.
type FocusedField struct {
	Tag     string   `json:"tag"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	ID      string   `json:"id"`
	Classes []string `json:"classes"`
	Value   string   `json:"value"`
}

// LooksLikeSearch reports whether f is an input or textarea that a search engine
// uses for the query.
func (f FocusedField) LooksLikeSearch() bool {
	tag := strings.ToUpper(f.Tag)
	if tag != "INPUT" && tag != "TEXTAREA" {
		return false
	}
	return f.Name == "q" || f.Name == "p" ||
		strings.EqualFold(f.Type, "search") ||
		slices.Contains(f.Classes, "gLFyf") ||
		f.ID == "sb_form_q"
}

// Signal is one report from the page. Interceptions (keypress, submit) carry a
// Reply that must be called exactly once.
type Signal struct {
	Kind SignalKind
	// URL is the new location for SignalNavigated, when known.
	URL string
	// NewDocument marks a SignalNavigated that loaded a new document rather than
	// changing the current one. The page guard starts over.
	NewDocument bool
	// Text is the raw input value for SignalKeypress.
	Text string
	// Composing is true while an IME composition is in progress.
	Composing bool
	// Fields are the form controls for SignalSubmit.
	Fields []Field
	Reply  func(Decision)
}

func (s Signal) reply(d Decision) {
	if s.Reply != nil {
		s.Reply(d)
	}
}

// Page is the host abstraction over one browser tab.
type Page interface {
	ID() string
	Location(ctx context.Context) (string, error)
	FocusedField(ctx context.Context) (FocusedField, error)
	ClearFocusedField(ctx context.Context) error
	// Attach installs capture-phase keypress and submit interceptors on elements
	// matching selectors and on every form. It is idempotent per element.
	Attach(ctx context.Context, selectors []string) error
	Signals() <-chan Signal
}

// NavigationReporter is implemented by pages that can tell whether they deliver
// SignalNavigated. Pages that cannot are polled for their location instead.
type NavigationReporter interface {
	DeliversNavigation() bool
}

// QueryFromForm returns the submitted search text: the first non-empty field
// named q, p, or text, else the first non-blank text-like control, trimmed.
func QueryFromForm(fields []Field) string {
	for _, name := range engine.FormFields {
		for _, f := range fields {
			if f.Name == name && f.Value != "" {
				return f.Value
			}
		}
	}
	for _, f := range fields {
		if !textLike(f) {
			continue
		}
		if v := strings.TrimSpace(f.Value); v != "" {
			return v
		}
	}
	return ""
}

func textLike(f Field) bool {
	switch strings.ToUpper(f.Tag) {
	case "TEXTAREA":
		return true
	case "INPUT":
		t := strings.ToLower(f.Type)
		return t == "text" || t == "search"
	}
	return false
}
