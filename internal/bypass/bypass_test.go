package bypass

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchguard/internal/activity"
	"github.com/JakeFAU/searchguard/internal/state"
	"github.com/JakeFAU/searchguard/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []activity.Event
}

func (r *recordingEmitter) Emit(evt activity.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Kinds() []activity.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]activity.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func TestCheckExpiresDeadline(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := state.NewStore(memory.NewStateBackend(nil), nil)
	emitter := &recordingEmitter{}
	timer := NewTimer(store, clock, WithEmitter(emitter))

	_, err := store.Set(ctx, state.Patch{
		WordList:    []string{"banana"},
		BypassUntil: state.SetDeadline(clock.Now().Add(5 * time.Minute)),
	})
	require.NoError(t, err)

	cfg, err := store.Get(ctx)
	require.NoError(t, err)
	require.True(t, cfg.Bypassed(clock.Now()))
	require.False(t, cfg.Active(clock.Now()))

	cleared, err := timer.Check(ctx)
	require.NoError(t, err)
	require.False(t, cleared)

	clock.Advance(5*time.Minute + time.Second)
	cleared, err = timer.Check(ctx)
	require.NoError(t, err)
	require.True(t, cleared)

	cfg, err = store.Get(ctx)
	require.NoError(t, err)
	require.Nil(t, cfg.BypassUntil)
	require.True(t, cfg.Active(clock.Now()))
	require.Equal(t, []activity.Kind{activity.KindBypassEnded}, emitter.Kinds())
}

func TestCheckPastDeadlineIsAlreadyExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.UnixMilli(1_000_000)}
	store := state.NewStore(memory.NewStateBackend(nil), nil)
	_, err := store.Set(ctx, state.Patch{BypassUntil: state.SetDeadline(clock.Now().Add(-time.Minute))})
	require.NoError(t, err)

	cfg, err := store.Get(ctx)
	require.NoError(t, err)
	require.False(t, cfg.Bypassed(clock.Now()))

	cleared, err := NewTimer(store, clock).Check(ctx)
	require.NoError(t, err)
	require.True(t, cleared)
}

func TestRunFiresAtDeadline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := state.NewStore(memory.NewStateBackend(nil), nil)
	emitter := &recordingEmitter{}
	timer := NewTimer(store, realClock{}, WithInterval(time.Hour), WithEmitter(emitter))

	done := make(chan error, 1)
	go func() { done <- timer.Run(ctx) }()

	// Run picks the deadline up either from its first read or from the change feed.
	_, err := store.Set(ctx, state.Patch{BypassUntil: state.SetDeadline(time.Now().Add(80 * time.Millisecond))})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cfg, err := store.Get(ctx)
		return err == nil && cfg.BypassUntil == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Contains(t, emitter.Kinds(), activity.KindBypassEnded)
}

func TestStatusAt(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(10_000_000)
	until := now.Add(90 * time.Second).UnixMilli()
	st := StatusAt(state.Configuration{BypassUntil: &until}, now)
	require.True(t, st.Bypassed)
	require.Equal(t, int64(2), st.RemainingMinutes)

	exact := now.Add(3 * time.Minute).UnixMilli()
	require.Equal(t, int64(3), StatusAt(state.Configuration{BypassUntil: &exact}, now).RemainingMinutes)

	past := now.Add(-time.Second).UnixMilli()
	require.Equal(t, Status{}, StatusAt(state.Configuration{BypassUntil: &past}, now))
	require.Equal(t, Status{}, StatusAt(state.Configuration{}, now))
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
