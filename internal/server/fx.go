// Package server builds the long-running guard service and its dependencies.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/searchguard/internal/activity"
	activitysinks "github.com/JakeFAU/searchguard/internal/activity/sinks"
	"github.com/JakeFAU/searchguard/internal/api"
	"github.com/JakeFAU/searchguard/internal/backup"
	"github.com/JakeFAU/searchguard/internal/browser"
	"github.com/JakeFAU/searchguard/internal/bypass"
	"github.com/JakeFAU/searchguard/internal/clock/system"
	"github.com/JakeFAU/searchguard/internal/config"
	"github.com/JakeFAU/searchguard/internal/control"
	"github.com/JakeFAU/searchguard/internal/engine"
	"github.com/JakeFAU/searchguard/internal/hash/sha256"
	"github.com/JakeFAU/searchguard/internal/id/uuid"
	"github.com/JakeFAU/searchguard/internal/indicator"
	"github.com/JakeFAU/searchguard/internal/match"
	"github.com/JakeFAU/searchguard/internal/metrics"
	"github.com/JakeFAU/searchguard/internal/observer"
	"github.com/JakeFAU/searchguard/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/searchguard/internal/publisher/pubsub"
	"github.com/JakeFAU/searchguard/internal/redirect"
	"github.com/JakeFAU/searchguard/internal/state"
	"github.com/JakeFAU/searchguard/internal/storage"
	gcsstorage "github.com/JakeFAU/searchguard/internal/storage/gcs"
	localstorage "github.com/JakeFAU/searchguard/internal/storage/local"
	memorystorage "github.com/JakeFAU/searchguard/internal/storage/memory"
	pgstore "github.com/JakeFAU/searchguard/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/searchguard/internal/storage/sqlite"
)

// App contains the service dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	clock      *system.Clock
	registerer prometheus.Registerer

	store     *state.Store
	svc       *control.Service
	local     *control.LocalClient
	apiServer *api.Server
	hub       *activity.Hub
	backups   *backup.Service
	engines   *engine.Registry
	matcher   *match.Matcher
	limiter   *ratelimit.Limiter
	browser   *browser.Browser

	pgPool          *pgxpool.Pool
	blockLog        *pgstore.BlockLog
	sqlite          *sqlitestore.StateStore
	pubsubClient    *gpubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	gcsClient       *gstorage.Client
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers the activity collectors against reg instead of the
// default Prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		a.registerer = reg
	}
}

// Build creates the service dependencies. The state document is initialized
// with defaults on first run.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      system.New(),
		matcher:    match.NewMatcher(cfg.Match.CacheSize),
		limiter:    ratelimit.New(ratelimit.Config{PerSecond: cfg.Browser.LocationRate, Burst: 1}),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(app)
	}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("state_backend", cfg.State.Backend),
		zap.String("backup_backend", cfg.Backup.Backend),
		zap.Bool("browser_enabled", cfg.Browser.Enabled),
	)

	var err error
	app.engines, err = engine.NewRegistry(cfg.Engines.Extra)
	if err != nil {
		return nil, fmt.Errorf("engine registry init failed: %w", err)
	}

	backend, err := app.setupState(ctx)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	app.store = state.NewStore(backend, logger.Named("state"))
	if _, err := app.store.Init(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("state init failed: %w", err)
	}

	if err := app.setupActivity(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	app.svc, err = control.NewService(control.ServiceConfig{
		Store:   app.store,
		BaseURL: cfg.Server.BaseURL,
		IDs:     uuid.New(),
		Clock:   app.clock,
		Emitter: app.hub,
		Logger:  logger.Named("control"),
	})
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("control service init failed: %w", err)
	}
	app.local = control.NewLocalClient(app.svc, cfg.Control.Timeout, cfg.Control.MailboxDepth)

	blobs, gcsClient, err := OpenBlobStore(ctx, cfg.Backup, logger)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	app.gcsClient = gcsClient
	app.backups, err = backup.New(app.local, blobs, sha256.New(), app.clock, logger)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("backup service init failed: %w", err)
	}

	deps := api.Deps{
		Service: app.svc,
		Backups: app.backups,
		Clock:   app.clock,
		Emitter: app.hub,
		Ready:   app.ready,
		Logger:  logger,
	}
	if app.blockLog != nil {
		deps.Blocks = app.blockLog
	}
	app.apiServer, err = api.NewServer(deps, cfg)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("api server init failed: %w", err)
	}

	if cfg.Browser.Enabled {
		app.browser, err = browser.Open(browser.Config{
			RemoteURL:         cfg.Browser.RemoteURL,
			ExecPath:          cfg.Browser.ExecPath,
			Headless:          cfg.Browser.Headless,
			DiscoveryInterval: cfg.Browser.DiscoveryInterval,
			CommandTimeout:    cfg.Browser.CommandTimeout,
			MaxTabs:           cfg.Browser.MaxTabs,
		}, app.engines, logger)
		if err != nil {
			app.closeInfrastructure(ctx)
			return nil, fmt.Errorf("browser init failed: %w", err)
		}
		app.svc.SetNavigator(app.browser)
	}

	return app, nil
}

func (a *App) setupState(ctx context.Context) (state.Backend, error) {
	sc := a.cfg.State
	switch sc.Backend {
	case config.StateMemory:
		a.logger.Warn("using in-memory state; settings are lost on restart")
		return memorystorage.NewStateBackend(nil), nil
	case config.StateSQLite:
		st, err := sqlitestore.Open(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite state init failed: %w", err)
		}
		a.sqlite = st
		a.logger.Info("using sqlite state", zap.String("path", sc.Path))
		return st, nil
	case config.StatePostgres:
		if sc.Migrate {
			if err := pgstore.Migrate(sc.DSN); err != nil {
				return nil, fmt.Errorf("postgres migrate failed: %w", err)
			}
		}
		pool, err := pgstore.Connect(ctx, pgstore.Config{DSN: sc.DSN, MaxConns: sc.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("postgres connect failed: %w", err)
		}
		a.pgPool = pool
		st, err := pgstore.NewStateStore(pool, sc.Table)
		if err != nil {
			return nil, fmt.Errorf("postgres state init failed: %w", err)
		}
		a.blockLog, err = pgstore.NewBlockLog(pool, sc.BlockTable)
		if err != nil {
			return nil, fmt.Errorf("block log init failed: %w", err)
		}
		a.logger.Info("using postgres state",
			zap.String("table", sc.Table),
			zap.String("block_table", sc.BlockTable),
		)
		return st, nil
	default:
		st, err := localstorage.NewStateFile(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("state file init failed: %w", err)
		}
		a.logger.Info("using state file", zap.String("path", st.Path()))
		return st, nil
	}
}

func (a *App) setupActivity(ctx context.Context) error {
	sinkList := []activity.Sink{activitysinks.NewLogSink(a.logger.Named("activity_log"))}

	prom, err := activitysinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, prom)

	if a.blockLog != nil {
		sinkList = append(sinkList, activitysinks.NewStoreSink(a.blockLog, a.logger.Named("activity_store")))
		a.logger.Debug("added block log sink")
	}

	if a.cfg.PubSub.Enabled() {
		a.pubsubPublisher, a.pubsubClient, err = gcppublisher.Connect(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("pubsub init failed: %w", err)
		}
		sinkList = append(sinkList, activitysinks.NewPublisherSink(
			a.pubsubPublisher,
			a.cfg.PubSub.TopicName,
			engine.FriendlyName,
			a.logger.Named("activity_pubsub"),
		))
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}

	hubCfg := activity.Config{
		BufferSize:     a.cfg.Activity.Buffer,
		MaxBatchEvents: a.cfg.Activity.Batch,
		MaxBatchWait:   a.cfg.Activity.Wait,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("activity_hub"),
	}
	a.hub = activity.NewHub(hubCfg, sinkList...)
	a.logger.Info("activity hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

// OpenBlobStore builds the backup blob store for cfg. The returned GCS client
// is non-nil only for the gcs backend and is owned by the caller.
func OpenBlobStore(ctx context.Context, cfg config.BackupConfig, logger *zap.Logger) (storage.BlobStore, *gstorage.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case config.BackupGCS:
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		logger.Info("using GCS backups", zap.String("bucket", cfg.GCSBucket))
		return store, client, nil
	case config.BackupLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		logger.Info("using local backups", zap.String("dir", cfg.Dir))
		return store, nil, nil
	default:
		logger.Info("using in-memory backups")
		return memorystorage.NewBlobStore(), nil, nil
	}
}

// Handler exposes the API handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Store returns the configuration store.
func (a *App) Store() *state.Store {
	return a.store
}

func (a *App) ready(ctx context.Context) error {
	if a.pgPool != nil {
		if err := a.pgPool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres unavailable: %w", err)
		}
	}
	return nil
}

// Run starts every component and blocks until ctx is canceled or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.local.Serve(gctx) })
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return bypass.NewTimer(a.store, a.clock,
			bypass.WithInterval(a.cfg.Bypass.CheckInterval),
			bypass.WithEmitter(a.hub),
			bypass.WithLogger(a.logger.Named("bypass")),
		).Run(gctx)
	})
	g.Go(func() error {
		tracker := indicator.NewTracker(a.store, a.clock, a.logger.Named("indicator"), func(ind indicator.Indicator) {
			metrics.SetIndicator(ind.Visible())
		})
		return tracker.Run(gctx)
	})
	g.Go(func() error { return a.trackGauges(gctx) })
	g.Go(func() error { return a.backups.Run(gctx, a.cfg.Backup.Interval) })
	if a.browser != nil {
		g.Go(func() error {
			if err := a.browser.Run(gctx, a.observeTab); err != nil {
				a.logger.Error("browser stopped; searches are no longer observed", zap.Error(err))
			}
			return nil
		})
	}

	err := g.Wait()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := a.Close(shutdownCtx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// observeTab runs an observer for one watched tab.
func (a *App) observeTab(ctx context.Context, tab *browser.Tab) error {
	defer a.limiter.Forget(tab.ID())
	logger := a.logger.Named("observer")
	obs, err := observer.New(tab, observer.Config{
		PollInterval: a.cfg.Browser.PollInterval,
		NavDebounce:  a.cfg.Browser.NavDebounce,
	}, observer.Deps{
		View:        observer.NewView(a.local, logger),
		Matcher:     a.matcher,
		Coordinator: redirect.NewCoordinator(a.local, nil, tab.ID(), a.logger.Named("redirect")),
		Clock:       a.clock,
		Limiter:     a.limiter,
		Emitter:     a.hub,
		Engines:     a.engines,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("observer init: %w", err)
	}
	return obs.Run(ctx)
}

// trackGauges mirrors the stored configuration into the state gauges.
func (a *App) trackGauges(ctx context.Context) error {
	sub := a.store.Subscribe(0)
	defer sub.Close()

	set := func(cfg state.Configuration) {
		metrics.SetStateGauges(len(cfg.WordList), cfg.Bypassed(a.clock.Now()), cfg.BlockedCount)
	}
	cfg, err := a.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	set(cfg)
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-sub.C():
			if !ok {
				return nil
			}
			set(change.State)
		}
	}
}

// Close releases every dependency.
func (a *App) Close(ctx context.Context) error {
	if a.browser != nil {
		a.browser.Close()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("activity hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("sqlite close failed", zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
}
