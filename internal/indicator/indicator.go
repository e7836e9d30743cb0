// Package indicator computes the small "blocking is active" badge and keeps it
// current as settings and the bypass window change.
package indicator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/state"
)

// Badge values shown while blocking is active.
const (
	ActiveText  = "●"
	ActiveColor = "#d93025"
)

// Indicator is the badge to display. An empty Text hides it.
type Indicator struct {
	Text  string `json:"text"`
	Color string `json:"color,omitempty"`
}

// Visible reports whether the badge is shown.
func (i Indicator) Visible() bool {
	return i.Text != ""
}

// Compute returns the badge for cfg at now.
func Compute(cfg state.Configuration, now time.Time) Indicator {
	if !cfg.Settings.ShowIndicator || cfg.Bypassed(now) {
		return Indicator{}
	}
	return Indicator{Text: ActiveText, Color: ActiveColor}
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Tracker holds the current badge and recomputes it on relevant store changes.
type Tracker struct {
	store    *state.Store
	clock    Clock
	logger   *zap.Logger
	onChange func(Indicator)

	mu      sync.RWMutex
	current Indicator
}

// NewTracker builds a tracker. onChange, if set, runs after every recomputation
// that changed the badge.
func NewTracker(store *state.Store, clock Clock, logger *zap.Logger, onChange func(Indicator)) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, clock: clock, logger: logger, onChange: onChange}
}

// Current returns the last computed badge.
func (t *Tracker) Current() Indicator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Refresh reads the store and recomputes the badge.
func (t *Tracker) Refresh(ctx context.Context) (Indicator, error) {
	cfg, err := t.store.Get(ctx)
	if err != nil {
		return Indicator{}, fmt.Errorf("read state: %w", err)
	}
	return t.apply(cfg), nil
}

// Run refreshes once, then follows store changes to settings or the bypass
// deadline until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	sub := t.store.Subscribe(0)
	defer sub.Close()

	if _, err := t.Refresh(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-sub.C():
			if !ok {
				return nil
			}
			if change.Has(state.KeySettings) || change.Has(state.KeyBypassUntil) {
				t.apply(change.State)
			}
		}
	}
}

func (t *Tracker) apply(cfg state.Configuration) Indicator {
	next := Compute(cfg, t.clock.Now())
	t.mu.Lock()
	changed := next != t.current
	t.current = next
	t.mu.Unlock()
	if changed {
		t.logger.Debug("indicator updated", zap.Bool("visible", next.Visible()))
		if t.onChange != nil {
			t.onChange(next)
		}
	}
	return next
}
