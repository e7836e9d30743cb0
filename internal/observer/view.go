package observer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/control"
	"github.com/JakeFAU/searchguard/internal/state"
)

// View caches the configuration for one page and refreshes it from change
// notifications.
type View struct {
	client control.Client
	retry  time.Duration
	logger *zap.Logger

	mu     sync.RWMutex
	cfg    state.Configuration
	loaded bool
}

// NewView returns an empty view; Current reports not loaded until the first
// fetch succeeds.
func NewView(client control.Client, logger *zap.Logger) *View {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &View{client: client, retry: time.Second, logger: logger}
}

// Current returns the cached configuration and whether one has been fetched.
func (v *View) Current() (state.Configuration, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg, v.loaded
}

// Refresh fetches the configuration now.
func (v *View) Refresh(ctx context.Context) error {
	cfg, err := v.client.GetState(ctx)
	if err != nil {
		return fmt.Errorf("refresh view: %w", err)
	}
	v.set(cfg)
	return nil
}

func (v *View) set(cfg state.Configuration) {
	v.mu.Lock()
	v.cfg = cfg
	v.loaded = true
	v.mu.Unlock()
}

// Run keeps the view current until ctx is done. When the change stream fails or
// ends it refetches and subscribes again after a short pause.
func (v *View) Run(ctx context.Context) error {
	for {
		changes, err := v.client.Subscribe(ctx)
		if err == nil {
			if err := v.Refresh(ctx); err != nil {
				v.logger.Warn("view refresh failed", zap.Error(err))
			}
			for change := range changes {
				v.set(change.State)
			}
		} else {
			v.logger.Warn("view subscribe failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(v.retry):
		}
	}
}
