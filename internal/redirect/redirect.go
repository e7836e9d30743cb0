// Package redirect sends a page whose query matched the word list to the block
// view, recording the query first so the page never redirects twice for it.
package redirect

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/control"
)

// Guard remembers the last query text evaluated on one page.
type Guard struct {
	mu   sync.Mutex
	last string
	set  bool
}

// Seen reports whether text equals the last recorded text.
func (g *Guard) Seen(text string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.set && g.last == text
}

// Record stores text as the last evaluated text.
func (g *Guard) Record(text string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = text
	g.set = true
}

// Reset forgets the recorded text. A new document starts with an empty guard.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = ""
	g.set = false
}

// Last returns the recorded text and whether anything was recorded.
func (g *Guard) Last() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last, g.set
}

// Coordinator is the only path that navigates a page away to block it.
type Coordinator struct {
	client control.Client
	guard  *Guard
	tabID  string
	logger *zap.Logger
}

// NewCoordinator returns a coordinator for the page identified by tabID.
func NewCoordinator(client control.Client, guard *Guard, tabID string, logger *zap.Logger) *Coordinator {
	if guard == nil {
		guard = &Guard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{client: client, guard: guard, tabID: tabID, logger: logger}
}

// Guard returns the page guard shared with the observer.
func (c *Coordinator) Guard() *Guard {
	return c.guard
}

// BlockAndRedirect records query, bumps the blocked counter, and asks control to
// navigate the tab to the block view. The redirect is attempted even when the
// counter update fails; both failures are logged and returned joined. The
// recorded query is kept either way.
func (c *Coordinator) BlockAndRedirect(ctx context.Context, query, matched, host, source string) error {
	c.guard.Record(query)

	var errs []error
	if _, err := c.client.IncrementBlockedCount(ctx); err != nil {
		c.logger.Warn("increment blocked count failed", zap.String("tab_id", c.tabID), zap.Error(err))
		errs = append(errs, fmt.Errorf("increment blocked count: %w", err))
	}
	err := c.client.BlockAndRedirect(ctx, control.BlockRequest{
		Query:       query,
		MatchedTerm: matched,
		EngineHost:  host,
		TabID:       c.tabID,
		Source:      source,
	})
	if err != nil {
		c.logger.Warn("block redirect failed", zap.String("tab_id", c.tabID), zap.Error(err))
		errs = append(errs, fmt.Errorf("block and redirect: %w", err))
	}
	return errors.Join(errs...)
}
