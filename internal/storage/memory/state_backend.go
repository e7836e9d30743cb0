package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/searchguard/internal/state"
)

// StateBackend holds the configuration document in memory.
type StateBackend struct {
	mu  sync.RWMutex
	doc []byte
}

// NewStateBackend returns an empty backend. Pass a document to pre-seed it.
func NewStateBackend(doc []byte) *StateBackend {
	b := &StateBackend{}
	if doc != nil {
		b.doc = append([]byte(nil), doc...)
	}
	return b
}

// Load returns the stored document or state.ErrNotFound.
func (b *StateBackend) Load(context.Context) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.doc == nil {
		return nil, state.ErrNotFound
	}
	return append([]byte(nil), b.doc...), nil
}

// Save replaces the stored document.
func (b *StateBackend) Save(_ context.Context, doc []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.doc = append([]byte(nil), doc...)
	return nil
}
