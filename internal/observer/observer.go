package observer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/searchguard/internal/activity"
	"github.com/JakeFAU/searchguard/internal/engine"
	"github.com/JakeFAU/searchguard/internal/match"
	"github.com/JakeFAU/searchguard/internal/redirect"
)

// Default timings.
const (
	DefaultPollInterval  = 2 * time.Second
	DefaultNavDebounce   = 10 * time.Millisecond
	DefaultReattachDelay = 100 * time.Millisecond
	DefaultQueueDepth    = 64
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// LocationLimiter caps location polling per tab.
type LocationLimiter interface {
	Wait(ctx context.Context, key string) error
}

// Config tunes an Observer.
type Config struct {
	PollInterval  time.Duration
	NavDebounce   time.Duration
	ReattachDelay time.Duration
	QueueDepth    int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.NavDebounce <= 0 {
		c.NavDebounce = DefaultNavDebounce
	}
	if c.ReattachDelay <= 0 {
		c.ReattachDelay = DefaultReattachDelay
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	return c
}

// Deps are the collaborators of an Observer. Limiter, Emitter and Engines are
// optional. When Engines is set, text is only evaluated on known engine hosts.
type Deps struct {
	View        *View
	Matcher     *match.Matcher
	Coordinator *redirect.Coordinator
	Clock       Clock
	Limiter     LocationLimiter
	Emitter     activity.Emitter
	Engines     *engine.Registry
	Logger      *zap.Logger
}

type eventKind int

const (
	evURL eventKind = iota
	evText
	evPoll
)

type event struct {
	kind   eventKind
	source Source
	// url is the location for evURL; empty means ask the page.
	url string
	// newDoc resets the page guard before the URL is inspected.
	newDoc bool
	text   string
	reply  func(Decision)
}

// Observer runs every observation strategy for one page.
type Observer struct {
	page   Page
	deps   Deps
	cfg    Config
	guard  *redirect.Guard
	events chan event
	logger *zap.Logger

	timerMu  sync.Mutex
	navTimer *time.Timer
	attTimer *time.Timer
	// pendingDoc is set while a debounced navigation includes a new document.
	pendingDoc bool
}

// New builds an Observer for page.
func New(page Page, cfg Config, deps Deps) (*Observer, error) {
	if page == nil || deps.View == nil || deps.Coordinator == nil || deps.Clock == nil {
		return nil, errors.New("observer: page, view, coordinator and clock are required")
	}
	if deps.Matcher == nil {
		deps.Matcher = match.NewMatcher(0)
	}
	if deps.Emitter == nil {
		deps.Emitter = activity.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Observer{
		page:   page,
		deps:   deps,
		cfg:    cfg,
		guard:  deps.Coordinator.Guard(),
		events: make(chan event, cfg.QueueDepth),
		logger: deps.Logger.With(zap.String("tab_id", page.ID())),
	}, nil
}

// Run observes the page until ctx is done or the page's signal stream closes.
func (o *Observer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer o.stopTimers()

	o.emit(activity.KindPageAttached, "", "", 0)
	defer o.emit(activity.KindPageDetached, "", "", 0)

	if err := o.deps.View.Refresh(ctx); err != nil {
		o.logger.Warn("initial state fetch failed; blocking stays off until it loads", zap.Error(err))
	}
	o.attach(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.deps.View.Run(gctx) })
	g.Go(func() error { return o.evaluate(gctx) })
	g.Go(func() error {
		defer cancel()
		return o.listen(gctx)
	})
	g.Go(func() error { return o.poll(gctx) })
	if r, ok := o.page.(NavigationReporter); ok && !r.DeliversNavigation() {
		g.Go(func() error { return o.pollLocation(gctx) })
	}

	o.enqueue(gctx, event{kind: evURL, source: SourceURL})
	return g.Wait()
}

func (o *Observer) enqueue(ctx context.Context, evt event) {
	select {
	case o.events <- evt:
	case <-ctx.Done():
		if evt.reply != nil {
			evt.reply(Allow)
		}
	}
}

// listen turns page signals into queue events. It returns when the page closes
// its signal stream.
func (o *Observer) listen(ctx context.Context) error {
	signals := o.page.Signals()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			o.handleSignal(ctx, sig)
		}
	}
}

func (o *Observer) handleSignal(ctx context.Context, sig Signal) {
	switch sig.Kind {
	case SignalKeypress:
		if sig.Composing {
			sig.reply(Allow)
			return
		}
		o.enqueue(ctx, event{kind: evText, source: SourceKeypress, text: strings.TrimSpace(sig.Text), reply: sig.Reply})
	case SignalSubmit:
		o.enqueue(ctx, event{kind: evText, source: SourceSubmit, text: QueryFromForm(sig.Fields), reply: sig.Reply})
	case SignalNavigated:
		o.scheduleNavigation(ctx, sig.URL, sig.NewDocument)
	case SignalMutation:
		o.scheduleReattach(ctx)
	default:
		sig.reply(Allow)
	}
}

// scheduleNavigation debounces navigation bursts, re-inspects the URL, and
// re-attaches interceptors a little later.
// A new document survives the debounce even when a same-document signal
// follows it.
func (o *Observer) scheduleNavigation(ctx context.Context, loc string, newDoc bool) {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if o.navTimer != nil {
		o.navTimer.Stop()
	}
	o.pendingDoc = o.pendingDoc || newDoc
	o.navTimer = time.AfterFunc(o.cfg.NavDebounce, func() {
		o.timerMu.Lock()
		fresh := o.pendingDoc
		o.pendingDoc = false
		o.timerMu.Unlock()
		o.enqueue(ctx, event{kind: evURL, source: SourceNavigation, url: loc, newDoc: fresh})
		o.scheduleReattach(ctx)
	})
}

func (o *Observer) scheduleReattach(ctx context.Context) {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if o.attTimer != nil {
		o.attTimer.Stop()
	}
	o.attTimer = time.AfterFunc(o.cfg.ReattachDelay, func() {
		if ctx.Err() == nil {
			o.attach(ctx)
		}
	})
}

func (o *Observer) stopTimers() {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if o.navTimer != nil {
		o.navTimer.Stop()
	}
	if o.attTimer != nil {
		o.attTimer.Stop()
	}
}

func (o *Observer) attach(ctx context.Context) {
	if err := o.page.Attach(ctx, engine.InputSelectors); err != nil && ctx.Err() == nil {
		o.logger.Debug("attach interceptors failed", zap.Error(err))
	}
}

// poll is the periodic fallback: URL inspection plus the focused field.
func (o *Observer) poll(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.enqueue(ctx, event{kind: evPoll, source: SourcePoll})
		}
	}
}

// pollLocation stands in for navigation signals on pages that cannot send them.
func (o *Observer) pollLocation(ctx context.Context) error {
	var last string
	for {
		if o.deps.Limiter != nil {
			if err := o.deps.Limiter.Wait(ctx, o.page.ID()); err != nil {
				return nil
			}
		} else {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(o.cfg.PollInterval):
			}
		}
		loc, err := o.page.Location(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if loc != last {
			if last != "" {
				o.scheduleNavigation(ctx, loc, false)
			}
			last = loc
		}
	}
}

// evaluate drains the queue. It is the only goroutine that reads or writes the
// page guard.
func (o *Observer) evaluate(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			o.drainReplies()
			return nil
		case evt := <-o.events:
			o.handle(ctx, evt)
		}
	}
}

func (o *Observer) drainReplies() {
	for {
		select {
		case evt := <-o.events:
			if evt.reply != nil {
				evt.reply(Allow)
			}
		default:
			return
		}
	}
}

func (o *Observer) handle(ctx context.Context, evt event) {
	switch evt.kind {
	case evURL:
		if evt.newDoc {
			o.guard.Reset()
		}
		o.inspectURL(ctx, evt.url, evt.source)
	case evPoll:
		o.inspectURL(ctx, "", SourcePoll)
		o.inspectFocused(ctx)
	case evText:
		decision := o.check(ctx, evt.text, evt.source, func(matched string) {
			if evt.reply != nil {
				evt.reply(Block)
			}
			o.block(ctx, evt.text, matched, evt.source)
		})
		if decision == Allow && evt.reply != nil {
			evt.reply(Allow)
		}
	}
}

// inspectURL evaluates the query parameter of loc, or of the current location
// when loc is empty. The text is recorded whenever it is evaluated.
func (o *Observer) inspectURL(ctx context.Context, loc string, source Source) {
	if loc == "" {
		var err error
		if loc, err = o.page.Location(ctx); err != nil {
			o.logger.Debug("read location failed", zap.Error(err))
			return
		}
	}
	query := engine.QueryFromURL(loc)
	if strings.TrimSpace(query) == "" || o.guard.Seen(query) {
		return
	}
	o.guard.Record(query)
	matched, ok := o.match(query, source, engine.HostOf(loc))
	if ok {
		o.blockAt(ctx, query, matched, source, engine.HostOf(loc))
	}
}

func (o *Observer) inspectFocused(ctx context.Context) {
	field, err := o.page.FocusedField(ctx)
	if err != nil || !field.LooksLikeSearch() {
		return
	}
	o.check(ctx, strings.TrimSpace(field.Value), SourcePoll, func(matched string) {
		o.block(ctx, strings.TrimSpace(field.Value), matched, SourcePoll)
	})
}

// check evaluates text that is only recorded when it blocks.
func (o *Observer) check(ctx context.Context, text string, source Source, onMatch func(string)) Decision {
	if text == "" || o.guard.Seen(text) {
		return Allow
	}
	host := o.host(ctx)
	matched, ok := o.match(text, source, host)
	if !ok {
		return Allow
	}
	onMatch(matched)
	return Block
}

func (o *Observer) match(text string, source Source, host string) (string, bool) {
	if o.deps.Engines != nil {
		if _, known := o.deps.Engines.Lookup(host); !known {
			return "", false
		}
	}
	cfg, loaded := o.deps.View.Current()
	if !loaded || !cfg.Active(o.deps.Clock.Now()) {
		return "", false
	}
	start := time.Now()
	matched, ok := o.deps.Matcher.FindMatch(text, cfg.WordList, cfg.Settings)
	o.emit(activity.KindEvaluated, host, string(source), time.Since(start))
	return matched, ok
}

func (o *Observer) host(ctx context.Context) string {
	loc, err := o.page.Location(ctx)
	if err != nil {
		return ""
	}
	return engine.HostOf(loc)
}

func (o *Observer) block(ctx context.Context, text, matched string, source Source) {
	o.blockAt(ctx, text, matched, source, o.host(ctx))
}

// blockAt clears the focused input, best effort, then redirects.
func (o *Observer) blockAt(ctx context.Context, text, matched string, source Source, host string) {
	if err := o.page.ClearFocusedField(ctx); err != nil {
		o.logger.Debug("clear focused field failed", zap.Error(err))
	}
	if err := o.deps.Coordinator.BlockAndRedirect(ctx, text, matched, host, string(source)); err != nil {
		o.logger.Warn("block incomplete", zap.String("source", string(source)), zap.Error(err))
	}
}

func (o *Observer) emit(kind activity.Kind, host, source string, dur time.Duration) {
	evt := activity.New(kind, o.deps.Clock.Now())
	evt.TabID = o.page.ID()
	evt.Host = host
	evt.Source = source
	evt.Dur = dur
	o.deps.Emitter.Emit(evt)
}
