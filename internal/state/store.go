package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// ErrNotFound is returned by a Backend that holds no document yet.
var ErrNotFound = errors.New("state: document not found")

// Backend persists the configuration document as raw JSON.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, doc []byte) error
}

// Store is the single owner of the configuration. Writes are serialized and every
// write that changes a key is announced to subscribers.
type Store struct {
	backend Backend
	logger  *zap.Logger

	mu      sync.Mutex
	current Configuration
	loaded  bool

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// NewStore wires a Store to backend. Nothing is read until the first call.
func NewStore(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		logger:  logger,
		current: Default(),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Init writes the default document when the backend is empty. It reports whether
// defaults were written.
func (s *Store) Init(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.backend.Load(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		cfg := Default()
		if err := s.save(ctx, cfg); err != nil {
			return false, err
		}
		s.current = cfg
		s.loaded = true
		s.logger.Info("initialized default configuration")
		return true, nil
	case err != nil:
		return false, fmt.Errorf("load state: %w", err)
	}
	cfg, err := Decode(raw)
	if err != nil {
		return false, err
	}
	s.current = cfg
	s.loaded = true
	return false, nil
}

// Get returns a fully populated copy of the configuration.
func (s *Store) Get(ctx context.Context) (Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return Configuration{}, err
	}
	return s.current.Clone(), nil
}

// Set merges patch into the configuration and persists the result.
func (s *Store) Set(ctx context.Context, patch Patch) (Configuration, error) {
	s.mu.Lock()
	if err := s.ensureLoaded(ctx); err != nil {
		s.mu.Unlock()
		return Configuration{}, err
	}
	next, changed := Merge(s.current, patch)
	if len(changed) > 0 {
		if err := s.save(ctx, next); err != nil {
			s.mu.Unlock()
			return Configuration{}, err
		}
		s.current = next
	}
	out := s.current.Clone()
	s.mu.Unlock()

	if len(changed) > 0 {
		s.publish(Change{Keys: changed, State: out})
	}
	return out, nil
}

// IncrementBlocked adds one to the blocked counter.
func (s *Store) IncrementBlocked(ctx context.Context) (Configuration, error) {
	s.mu.Lock()
	if err := s.ensureLoaded(ctx); err != nil {
		s.mu.Unlock()
		return Configuration{}, err
	}
	next := s.current.Clone()
	next.BlockedCount++
	if err := s.save(ctx, next); err != nil {
		s.mu.Unlock()
		return Configuration{}, err
	}
	s.current = next
	out := next.Clone()
	s.mu.Unlock()

	s.publish(Change{Keys: []Key{KeyBlockedCount}, State: out})
	return out, nil
}

// Reload discards the cached copy and re-reads the backend, notifying subscribers of
// any keys that differ. Used when another process wrote the document.
func (s *Store) Reload(ctx context.Context) (Configuration, error) {
	s.mu.Lock()
	raw, err := s.backend.Load(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.mu.Unlock()
		return Configuration{}, fmt.Errorf("load state: %w", err)
	}
	next := Default()
	if err == nil {
		if next, err = Decode(raw); err != nil {
			s.mu.Unlock()
			return Configuration{}, err
		}
	}
	changed := Diff(s.current, next)
	s.current = next
	s.loaded = true
	out := next.Clone()
	s.mu.Unlock()

	if len(changed) > 0 {
		s.publish(Change{Keys: changed, State: out})
	}
	return out, nil
}

func (s *Store) ensureLoaded(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	raw, err := s.backend.Load(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		s.current = Default()
	case err != nil:
		return fmt.Errorf("load state: %w", err)
	default:
		cfg, err := Decode(raw)
		if err != nil {
			return err
		}
		s.current = cfg
	}
	s.loaded = true
	return nil
}

func (s *Store) save(ctx context.Context, cfg Configuration) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := s.backend.Save(ctx, doc); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Subscription receives change notifications until Close is called.
type Subscription struct {
	store *Store
	ch    chan Change
	once  sync.Once
}

// C returns the notification channel. It is closed by Close.
func (sub *Subscription) C() <-chan Change {
	return sub.ch
}

// Close detaches the subscription and closes its channel.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.store.subMu.Lock()
		delete(sub.store.subs, sub)
		close(sub.ch)
		sub.store.subMu.Unlock()
	})
}

// Subscribe registers a listener. A slow listener whose buffer is full misses
// notifications rather than stalling writers.
func (s *Store) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscription{store: s, ch: make(chan Change, buffer)}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub
}

func (s *Store) publish(change Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- change:
		default:
			s.logger.Warn("dropping state change for slow subscriber", zap.Any("keys", change.Keys))
		}
	}
}

// Merge applies patch to cfg and returns the result with the keys whose value changed.
// Top-level keys replace; settings merge per key; the word list is de-duplicated.
func Merge(cfg Configuration, patch Patch) (Configuration, []Key) {
	next := cfg.Clone()
	if patch.SetWordList || patch.WordList != nil {
		next.WordList = Dedupe(patch.WordList)
	}
	if p := patch.Settings; p != nil {
		if p.UsePatternMode != nil {
			next.Settings.UsePatternMode = *p.UsePatternMode
		}
		if p.UseWordBoundary != nil {
			next.Settings.UseWordBoundary = *p.UseWordBoundary
		}
		if p.ShowIndicator != nil {
			next.Settings.ShowIndicator = *p.ShowIndicator
		}
	}
	if d := patch.BypassUntil; d.Set {
		if d.Value == nil {
			next.BypassUntil = nil
		} else {
			v := *d.Value
			next.BypassUntil = &v
		}
	}
	return next, Diff(cfg, next)
}

// Diff lists the top-level keys that differ between a and b.
func Diff(a, b Configuration) []Key {
	var keys []Key
	if !slices.Equal(a.WordList, b.WordList) {
		keys = append(keys, KeyWordList)
	}
	if a.Settings != b.Settings {
		keys = append(keys, KeySettings)
	}
	if !equalDeadline(a.BypassUntil, b.BypassUntil) {
		keys = append(keys, KeyBypassUntil)
	}
	if a.BlockedCount != b.BlockedCount {
		keys = append(keys, KeyBlockedCount)
	}
	return sortKeys(keys)
}

func equalDeadline(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Dedupe drops empty entries and repeats, keeping the first occurrence.
func Dedupe(words []string) []string {
	out := make([]string, 0, len(words))
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// Decode reads a stored document and fills every missing key from defaults.
func Decode(raw []byte) (Configuration, error) {
	var doc struct {
		WordList []string `json:"wordList"`
		Settings *struct {
			UsePatternMode  *bool `json:"usePatternMode"`
			UseWordBoundary *bool `json:"useWordBoundary"`
			ShowIndicator   *bool `json:"showIndicator"`
		} `json:"settings"`
		BypassUntil  *int64 `json:"bypassUntil"`
		BlockedCount int64  `json:"blockedCount"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Configuration{}, fmt.Errorf("decode state: %w", err)
		}
	}
	cfg := Default()
	if doc.WordList != nil {
		cfg.WordList = Dedupe(doc.WordList)
	}
	if s := doc.Settings; s != nil {
		if s.UsePatternMode != nil {
			cfg.Settings.UsePatternMode = *s.UsePatternMode
		}
		if s.UseWordBoundary != nil {
			cfg.Settings.UseWordBoundary = *s.UseWordBoundary
		}
		if s.ShowIndicator != nil {
			cfg.Settings.ShowIndicator = *s.ShowIndicator
		}
	}
	cfg.BypassUntil = doc.BypassUntil
	if doc.BlockedCount > 0 {
		cfg.BlockedCount = doc.BlockedCount
	}
	return cfg, nil
}
