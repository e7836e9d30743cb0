package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/engine"
	"github.com/JakeFAU/searchguard/internal/observer"
)

const (
	bindingName = "__searchguardEmit"
	signalDepth = 64
)

//go:embed inject.js
var injectTemplate string

// Script returns the page script with the binding name and selectors filled in.
func Script(selectors []string, watch string) (string, error) {
	sel, err := json.Marshal(selectors)
	if err != nil {
		return "", fmt.Errorf("encode selectors: %w", err)
	}
	w, err := json.Marshal(watch)
	if err != nil {
		return "", fmt.Errorf("encode watch selector: %w", err)
	}
	// The watch selector is spliced into a single-quoted literal.
	quoted := strings.ReplaceAll(strings.Trim(string(w), `"`), `'`, `\'`)
	return strings.NewReplacer(
		"__BINDING__", bindingName,
		"__SELECTORS__", string(sel),
		"__WATCH__", quoted,
	).Replace(injectTemplate), nil
}

// payload is what the page script sends through the binding.
type payload struct {
	Kind      string           `json:"kind"`
	ID        int64            `json:"id"`
	Text      string           `json:"text"`
	Composing bool             `json:"composing"`
	Fields    []observer.Field `json:"fields"`
}

// Tab is one watched page target. It implements observer.Page.
type Tab struct {
	ctx     context.Context
	id      string
	timeout time.Duration
	logger  *zap.Logger

	cancel context.CancelFunc
	onStop context.CancelFunc

	// resolve answers an interception inside the page.
	resolve func(id int64, d observer.Decision)

	mu      sync.RWMutex
	closed  bool
	signals chan observer.Signal
}

func newTab(ctx context.Context, id string, timeout time.Duration, logger *zap.Logger) *Tab {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tab{
		ctx:     ctx,
		id:      id,
		timeout: timeout,
		logger:  logger.With(zap.String("tab", id)),
		signals: make(chan observer.Signal, signalDepth),
	}
	t.resolve = t.resolveInPage
	return t
}

// ID returns the DevTools target ID.
func (t *Tab) ID() string { return t.id }

// DeliversNavigation reports that the tab forwards frame navigation events.
func (t *Tab) DeliversNavigation() bool { return true }

// Signals returns the channel of page reports. It closes when the tab stops.
func (t *Tab) Signals() <-chan observer.Signal { return t.signals }

// Location returns the top-level document URL.
func (t *Tab) Location(ctx context.Context) (string, error) {
	var loc string
	if err := t.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// FocusedField describes document.activeElement.
func (t *Tab) FocusedField(ctx context.Context) (observer.FocusedField, error) {
	var field *observer.FocusedField
	expr := `window.__searchguard ? window.__searchguard.focused() : null`
	if err := t.run(ctx, chromedp.Evaluate(expr, &field)); err != nil {
		return observer.FocusedField{}, fmt.Errorf("read focused field: %w", err)
	}
	if field == nil {
		return observer.FocusedField{}, nil
	}
	return *field, nil
}

// ClearFocusedField empties the focused input or textarea.
func (t *Tab) ClearFocusedField(ctx context.Context) error {
	var cleared bool
	expr := `!!(window.__searchguard && window.__searchguard.clearFocused())`
	if err := t.run(ctx, chromedp.Evaluate(expr, &cleared)); err != nil {
		return fmt.Errorf("clear focused field: %w", err)
	}
	return nil
}

// Attach installs interceptors on matching elements and every form.
func (t *Tab) Attach(ctx context.Context, selectors []string) error {
	sel, err := json.Marshal(selectors)
	if err != nil {
		return fmt.Errorf("encode selectors: %w", err)
	}
	var n int
	expr := fmt.Sprintf(`window.__searchguard ? window.__searchguard.attach(%s) : 0`, sel)
	if err := t.run(ctx, chromedp.Evaluate(expr, &n)); err != nil {
		return fmt.Errorf("attach interceptors: %w", err)
	}
	if n > 0 {
		t.logger.Debug("interceptors attached", zap.Int("elements", n))
	}
	return nil
}

// Navigate loads rawURL in the tab without waiting for the load event.
func (t *Tab) Navigate(ctx context.Context, rawURL string) error {
	return t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := page.Navigate(rawURL).Do(ctx)
		if err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		if errorText != "" {
			return fmt.Errorf("navigate: %s", errorText)
		}
		return nil
	}))
}

// install attaches to the target, exposes the binding, and injects the script
// into the current and every future document.
func (t *Tab) install() error {
	script, err := Script(engine.InputSelectors, engine.WatchSelector)
	if err != nil {
		return err
	}
	chromedp.ListenTarget(t.ctx, t.onEvent)
	// First Run on the tab context attaches to the target; no timeout here.
	err = chromedp.Run(t.ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := runtime.AddBinding(bindingName).Do(ctx); err != nil {
				return fmt.Errorf("add binding: %w", err)
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("add script: %w", err)
			}
			return nil
		}),
		chromedp.Evaluate(script, nil),
	)
	if err != nil {
		return fmt.Errorf("install tab %s: %w", t.id, err)
	}
	return nil
}

// onEvent runs on the chromedp event loop and must not block.
func (t *Tab) onEvent(ev any) {
	switch e := ev.(type) {
	case *runtime.EventBindingCalled:
		if e.Name != bindingName {
			return
		}
		sig, err := t.decode(e.Payload)
		if err != nil {
			t.logger.Debug("bad binding payload", zap.Error(err))
			return
		}
		t.send(sig)
	case *page.EventNavigatedWithinDocument:
		// Sub-frame navigations are reported too; the observer re-reads the
		// top-level location.
		t.send(observer.Signal{Kind: observer.SignalNavigated})
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		t.send(observer.Signal{Kind: observer.SignalNavigated, URL: e.Frame.URL, NewDocument: true})
	}
}

// decode turns a binding payload into a Signal. Interceptions get a Reply that
// resolves the pending promise in the page exactly once.
func (t *Tab) decode(raw string) (observer.Signal, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return observer.Signal{}, fmt.Errorf("decode payload: %w", err)
	}
	switch p.Kind {
	case "keypress":
		return observer.Signal{
			Kind:      observer.SignalKeypress,
			Text:      p.Text,
			Composing: p.Composing,
			Reply:     t.replier(p.ID),
		}, nil
	case "submit":
		return observer.Signal{
			Kind:   observer.SignalSubmit,
			Fields: p.Fields,
			Reply:  t.replier(p.ID),
		}, nil
	case "mutation":
		return observer.Signal{Kind: observer.SignalMutation}, nil
	default:
		return observer.Signal{}, fmt.Errorf("unknown payload kind %q", p.Kind)
	}
}

func (t *Tab) replier(id int64) func(observer.Decision) {
	var once sync.Once
	return func(d observer.Decision) {
		once.Do(func() { t.resolve(id, d) })
	}
}

func (t *Tab) resolveInPage(id int64, d observer.Decision) {
	expr := fmt.Sprintf(`window.__searchguard && window.__searchguard.resolve(%d, %q)`, id, d.String())
	// Replies may come from the evaluator while the event loop is busy.
	go func() {
		if err := t.run(context.Background(), chromedp.Evaluate(expr, nil)); err != nil {
			t.logger.Debug("resolve interception failed", zap.Int64("id", id), zap.Error(err))
		}
	}()
}

// send queues sig without blocking. A full queue lets interceptions through.
func (t *Tab) send(sig observer.Signal) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		if sig.Reply != nil {
			sig.Reply(observer.Allow)
		}
		return
	}
	select {
	case t.signals <- sig:
	default:
		t.logger.Warn("signal queue full, dropping", zap.Int("kind", int(sig.Kind)))
		if sig.Reply != nil {
			sig.Reply(observer.Allow)
		}
	}
}

func (t *Tab) closeSignals() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.signals)
	}
}

// stop is called once the target has disappeared.
func (t *Tab) stop() {
	if t.onStop != nil {
		t.onStop()
	}
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(t.ctx, t.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}
