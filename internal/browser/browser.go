// Package browser hosts the observers inside a real Chrome via the DevTools
// protocol. It discovers search-engine tabs, installs the page script in each,
// and implements control.Navigator for block redirects.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/engine"
)

// ErrUnknownTab is returned when navigating a tab that is not being watched.
var ErrUnknownTab = errors.New("browser: unknown tab")

// Config controls how the browser is reached and how often tabs are discovered.
type Config struct {
	// RemoteURL attaches to a running Chrome (ws:// or http:// debugging URL).
	// When empty, a Chrome process is launched.
	RemoteURL string
	// ExecPath overrides the Chrome binary for launched browsers.
	ExecPath string
	// Headless launches Chrome without a window. Ignored for remote browsers.
	Headless          bool
	DiscoveryInterval time.Duration
	CommandTimeout    time.Duration
	// MaxTabs caps the number of watched tabs. Zero means no limit.
	MaxTabs int
}

// TabFunc runs for the lifetime of one watched tab. Its context is cancelled
// when the tab goes away or the browser shuts down.
type TabFunc func(ctx context.Context, tab *Tab) error

// Browser owns the allocator and the set of watched tabs.
type Browser struct {
	cfg      Config
	registry *engine.Registry
	logger   *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu   sync.Mutex
	tabs map[target.ID]*Tab
}

// Open prepares an allocator. The browser itself starts on Run.
func Open(cfg Config, registry *engine.Registry, logger *zap.Logger) (*Browser, error) {
	if registry == nil {
		return nil, fmt.Errorf("engine registry is required")
	}
	if cfg.MaxTabs < 0 {
		return nil, fmt.Errorf("max tabs must be >= 0")
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("enable-automation", false),
		)
		if cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	return &Browser{
		cfg:           cfg,
		registry:      registry,
		logger:        logger.Named("browser"),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          make(map[target.ID]*Tab),
	}, nil
}

// Close releases the allocator. Watched tabs stay open in a remote browser.
func (b *Browser) Close() {
	b.allocCancel()
}

// Run starts the browser and polls its targets until ctx is done. Every new
// page target on a search engine gets its own goroutine running onTab.
func (b *Browser) Run(ctx context.Context, onTab TabFunc) error {
	// The first call allocates the browser and must not carry a timeout.
	if _, err := chromedp.Targets(b.browserCtx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	b.logger.Info("browser ready", zap.Bool("remote", b.cfg.RemoteURL != ""))

	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(b.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		if err := b.discover(ctx, onTab, &wg); err != nil {
			b.logger.Warn("target discovery failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Navigate implements control.Navigator.
func (b *Browser) Navigate(ctx context.Context, tabID, rawURL string) error {
	b.mu.Lock()
	tab, ok := b.tabs[target.ID(tabID)]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTab, tabID)
	}
	return tab.Navigate(ctx, rawURL)
}

// Tabs returns the IDs of watched tabs.
func (b *Browser) Tabs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.tabs))
	for id := range b.tabs {
		ids = append(ids, string(id))
	}
	return ids
}

func (b *Browser) discover(ctx context.Context, onTab TabFunc, wg *sync.WaitGroup) error {
	listCtx, cancel := context.WithTimeout(b.browserCtx, b.cfg.CommandTimeout)
	defer cancel()
	infos, err := chromedp.Targets(listCtx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}

	b.mu.Lock()
	live := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		live[info.TargetID] = true
	}
	var gone []*Tab
	for id, tab := range b.tabs {
		if !live[id] {
			gone = append(gone, tab)
			delete(b.tabs, id)
		}
	}
	fresh := selectTargets(infos, b.registry, b.tabs, b.cfg.MaxTabs)
	b.mu.Unlock()

	for _, tab := range gone {
		b.logger.Debug("tab gone", zap.String("tab", tab.ID()))
		tab.stop()
	}
	for _, info := range fresh {
		b.watch(ctx, info, onTab, wg)
	}
	return nil
}

func (b *Browser) watch(ctx context.Context, info *target.Info, onTab TabFunc, wg *sync.WaitGroup) {
	// Cancelling a tab context closes the tab, so it is only cancelled once the
	// target is already gone.
	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx, chromedp.WithTargetID(info.TargetID))
	tab := newTab(tabCtx, string(info.TargetID), b.cfg.CommandTimeout, b.logger)
	tab.cancel = tabCancel

	if err := tab.install(); err != nil {
		b.logger.Warn("install page script failed", zap.String("tab", tab.ID()), zap.String("url", info.URL), zap.Error(err))
		return
	}

	b.mu.Lock()
	b.tabs[info.TargetID] = tab
	b.mu.Unlock()
	b.logger.Info("watching tab", zap.String("tab", tab.ID()), zap.String("url", info.URL))

	runCtx, runCancel := context.WithCancel(ctx)
	tab.onStop = runCancel
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer runCancel()
		if err := onTab(runCtx, tab); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn("tab observer stopped", zap.String("tab", tab.ID()), zap.Error(err))
		}
		tab.closeSignals()
	}()
}

// selectTargets returns page targets on search engines that are not tracked yet,
// honouring the tab cap.
func selectTargets(infos []*target.Info, registry *engine.Registry, tracked map[target.ID]*Tab, maxTabs int) []*target.Info {
	var out []*target.Info
	count := len(tracked)
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		if _, ok := tracked[info.TargetID]; ok {
			continue
		}
		if !registry.IsSearchPage(info.URL) {
			continue
		}
		if maxTabs > 0 && count >= maxTabs {
			break
		}
		out = append(out, info)
		count++
	}
	return out
}
