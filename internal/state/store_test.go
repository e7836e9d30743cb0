package state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	doc     []byte
	saves   int
	loadErr error
	saveErr error
}

func (f *fakeBackend) Load(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.doc == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), f.doc...), nil
}

func (f *fakeBackend) Save(_ context.Context, doc []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.doc = append([]byte(nil), doc...)
	f.saves++
	return nil
}

func boolPtr(v bool) *bool { return &v }

func TestStoreInitWritesDefaultsOnce(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	store := NewStore(backend, nil)

	wrote, err := store.Init(context.Background())
	require.NoError(t, err)
	require.True(t, wrote)

	wrote, err = NewStore(backend, nil).Init(context.Background())
	require.NoError(t, err)
	require.False(t, wrote)
	require.Equal(t, 1, backend.saves)

	cfg, err := store.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestStoreGetFillsMissingKeys(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{doc: []byte(`{"wordList":["a","a","b"],"settings":{"usePatternMode":true}}`)}
	store := NewStore(backend, nil)

	cfg, err := store.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, cfg.WordList)
	require.Equal(t, Settings{UsePatternMode: true, ShowIndicator: true}, cfg.Settings)
	require.Nil(t, cfg.BypassUntil)
	require.Zero(t, cfg.BlockedCount)
}

func TestStoreSetMergesSettingsPerKey(t *testing.T) {
	t.Parallel()

	store := NewStore(&fakeBackend{}, nil)
	ctx := context.Background()

	_, err := store.Set(ctx, Patch{Settings: &SettingsPatch{UseWordBoundary: boolPtr(true)}})
	require.NoError(t, err)
	cfg, err := store.Set(ctx, Patch{Settings: &SettingsPatch{ShowIndicator: boolPtr(false)}})
	require.NoError(t, err)

	require.Equal(t, Settings{UseWordBoundary: true, ShowIndicator: false}, cfg.Settings)
}

func TestStoreSetDedupesWordList(t *testing.T) {
	t.Parallel()

	store := NewStore(&fakeBackend{}, nil)
	cfg, err := store.Set(context.Background(), WithWordList([]string{"b", "a", "b", "", "c", "a"}))
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a", "c"}, cfg.WordList)
}

func TestStoreSetNotifiesChangedKeys(t *testing.T) {
	t.Parallel()

	store := NewStore(&fakeBackend{}, nil)
	sub := store.Subscribe(4)
	defer sub.Close()
	ctx := context.Background()

	_, err := store.Set(ctx, Patch{WordList: []string{"x"}, BypassUntil: SetDeadline(time.UnixMilli(5000))})
	require.NoError(t, err)

	change := <-sub.C()
	require.Equal(t, []Key{KeyBypassUntil, KeyWordList}, change.Keys)
	require.True(t, change.Has(KeyWordList))
	require.Equal(t, int64(5000), *change.State.BypassUntil)

	// Writing the same values again is not a change.
	_, err = store.Set(ctx, Patch{WordList: []string{"x"}})
	require.NoError(t, err)
	select {
	case c := <-sub.C():
		t.Fatalf("unexpected change %v", c.Keys)
	default:
	}
}

func TestStoreClearDeadline(t *testing.T) {
	t.Parallel()

	store := NewStore(&fakeBackend{}, nil)
	ctx := context.Background()
	_, err := store.Set(ctx, Patch{BypassUntil: SetDeadline(time.UnixMilli(10))})
	require.NoError(t, err)

	cfg, err := store.Set(ctx, Patch{BypassUntil: ClearDeadline()})
	require.NoError(t, err)
	require.Nil(t, cfg.BypassUntil)

	// An absent deadline leaves the value alone.
	_, err = store.Set(ctx, Patch{BypassUntil: SetDeadline(time.UnixMilli(20))})
	require.NoError(t, err)
	cfg, err = store.Set(ctx, Patch{Settings: &SettingsPatch{UsePatternMode: boolPtr(true)}})
	require.NoError(t, err)
	require.Equal(t, int64(20), *cfg.BypassUntil)
}

func TestStoreIncrementBlocked(t *testing.T) {
	t.Parallel()

	store := NewStore(&fakeBackend{}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IncrementBlocked(ctx)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	cfg, err := store.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(20), cfg.BlockedCount)

	var p Patch
	require.NoError(t, json.Unmarshal([]byte(`{"blockedCount":0,"wordList":["a"]}`), &p))
	cfg, err = store.Set(ctx, p)
	require.NoError(t, err)
	require.Equal(t, int64(20), cfg.BlockedCount)
}

func TestStoreSaveFailureKeepsPreviousState(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	store := NewStore(backend, nil)
	ctx := context.Background()
	_, err := store.Set(ctx, WithWordList([]string{"keep"}))
	require.NoError(t, err)

	backend.saveErr = errors.New("disk full")
	_, err = store.Set(ctx, WithWordList([]string{"lost"}))
	require.ErrorContains(t, err, "disk full")

	cfg, err := store.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"keep"}, cfg.WordList)
}

func TestStoreReloadPublishesExternalWrites(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	store := NewStore(backend, nil)
	ctx := context.Background()
	_, err := store.Init(ctx)
	require.NoError(t, err)
	sub := store.Subscribe(1)
	defer sub.Close()

	backend.doc = []byte(`{"wordList":["external"]}`)
	cfg, err := store.Reload(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"external"}, cfg.WordList)
	require.Equal(t, []Key{KeyWordList}, (<-sub.C()).Keys)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewStore(&fakeBackend{}, nil)
	sub := store.Subscribe(0)
	sub.Close()
	sub.Close()
	_, ok := <-sub.C()
	require.False(t, ok)

	_, err := store.Set(context.Background(), WithWordList([]string{"a"}))
	require.NoError(t, err)
}

func TestPatchJSON(t *testing.T) {
	t.Parallel()

	var p Patch
	require.NoError(t, json.Unmarshal([]byte(`{"wordList":[],"bypassUntil":null}`), &p))
	require.True(t, p.SetWordList)
	require.Empty(t, p.WordList)
	require.True(t, p.BypassUntil.Set)
	require.Nil(t, p.BypassUntil.Value)

	var untouched Patch
	require.NoError(t, json.Unmarshal([]byte(`{"settings":{"showIndicator":false}}`), &untouched))
	require.False(t, untouched.SetWordList)
	require.False(t, untouched.BypassUntil.Set)
	require.False(t, *untouched.Settings.ShowIndicator)
	require.Nil(t, untouched.Settings.UsePatternMode)

	data, err := json.Marshal(Patch{BypassUntil: ClearDeadline(), SetWordList: true})
	require.NoError(t, err)
	require.JSONEq(t, `{"wordList":[],"bypassUntil":null}`, string(data))
}

func TestConfigurationBypassed(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_000_000)
	future := now.Add(5 * time.Minute).UnixMilli()
	past := now.Add(-time.Second).UnixMilli()
	exact := now.UnixMilli()

	require.False(t, Configuration{}.Bypassed(now))
	require.True(t, Configuration{BypassUntil: &future}.Bypassed(now))
	require.False(t, Configuration{BypassUntil: &past}.Bypassed(now))
	require.False(t, Configuration{BypassUntil: &exact}.Bypassed(now))

	cfg := Configuration{WordList: []string{"a"}, BypassUntil: &future}
	require.False(t, cfg.Active(now))
	require.True(t, cfg.Active(now.Add(6*time.Minute)))
	require.False(t, Configuration{}.Active(now))
}
