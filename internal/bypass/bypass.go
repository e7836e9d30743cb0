// Package bypass expires the temporary bypass window. A periodic check and a
// one-shot timer at the deadline both clear bypassUntil once it has passed.
package bypass

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/activity"
	"github.com/JakeFAU/searchguard/internal/state"
)

// DefaultInterval is the periodic check cadence.
const DefaultInterval = time.Minute

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Status describes the blocking state at one instant.
type Status struct {
	Bypassed bool
	Until    time.Time
	// RemainingMinutes rounds the remaining window up to whole minutes.
	RemainingMinutes int64
}

// StatusAt reports the bypass status of cfg at now.
func StatusAt(cfg state.Configuration, now time.Time) Status {
	until, ok := cfg.BypassDeadline()
	if !ok || !cfg.Bypassed(now) {
		return Status{}
	}
	remaining := until.Sub(now)
	minutes := int64(remaining / time.Minute)
	if remaining%time.Minute != 0 {
		minutes++
	}
	return Status{Bypassed: true, Until: until, RemainingMinutes: minutes}
}

// Timer clears expired bypass deadlines in the store.
type Timer struct {
	store    *state.Store
	clock    Clock
	interval time.Duration
	emitter  activity.Emitter
	logger   *zap.Logger
}

// Option customizes a Timer.
type Option func(*Timer)

// WithInterval overrides the periodic check cadence.
func WithInterval(d time.Duration) Option {
	return func(t *Timer) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithEmitter reports bypass expiry as activity.
func WithEmitter(e activity.Emitter) Option {
	return func(t *Timer) {
		if e != nil {
			t.emitter = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Timer) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTimer builds a Timer for store.
func NewTimer(store *state.Store, clock Clock, opts ...Option) *Timer {
	t := &Timer{
		store:    store,
		clock:    clock,
		interval: DefaultInterval,
		emitter:  activity.Discard{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Check clears the deadline when it is at or before now. It reports whether a
// deadline was cleared.
func (t *Timer) Check(ctx context.Context) (bool, error) {
	cfg, err := t.store.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("bypass check: %w", err)
	}
	now := t.clock.Now()
	if cfg.BypassUntil == nil || cfg.Bypassed(now) {
		return false, nil
	}
	if _, err := t.store.Set(ctx, state.Patch{BypassUntil: state.ClearDeadline()}); err != nil {
		return false, fmt.Errorf("bypass clear: %w", err)
	}
	t.logger.Info("bypass window expired", zap.Int64("deadline_ms", *cfg.BypassUntil))
	t.emitter.Emit(activity.New(activity.KindBypassEnded, now))
	return true, nil
}

// Run checks once, then on every interval tick and at the current deadline until
// ctx ends. The deadline timer is rescheduled whenever bypassUntil changes.
func (t *Timer) Run(ctx context.Context) error {
	sub := t.store.Subscribe(8)
	defer sub.Close()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var deadline *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if deadline != nil {
			deadline.Stop()
			deadline, fire = nil, nil
		}
		cfg, err := t.store.Get(ctx)
		if err != nil {
			t.logger.Warn("bypass schedule failed", zap.Error(err))
			return
		}
		until, ok := cfg.BypassDeadline()
		if !ok {
			return
		}
		wait := until.Sub(t.clock.Now())
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		deadline = time.NewTimer(wait)
		fire = deadline.C
	}
	defer func() {
		if deadline != nil {
			deadline.Stop()
		}
	}()

	_ = t.check(ctx)
	schedule()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = t.check(ctx)
		case <-fire:
			deadline, fire = nil, nil
			if !t.check(ctx) {
				schedule()
			}
		case change, ok := <-sub.C():
			if !ok {
				return nil
			}
			if change.Has(state.KeyBypassUntil) {
				if change.State.Bypassed(t.clock.Now()) {
					t.emitter.Emit(activity.New(activity.KindBypassStarted, t.clock.Now()))
				}
				schedule()
			}
		}
	}
}

func (t *Timer) check(ctx context.Context) bool {
	cleared, err := t.Check(ctx)
	if err != nil && ctx.Err() == nil {
		t.logger.Warn("bypass check failed", zap.Error(err))
	}
	return cleared
}
