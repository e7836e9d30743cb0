// Package app holds the services a CLI invocation needs, acting as a small
// dependency injection container for the cobra commands.
package app

import (
	"context"
	"fmt"
	"sync"

	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/config"
	"github.com/JakeFAU/searchguard/internal/control"
	"github.com/JakeFAU/searchguard/internal/id/uuid"
	"github.com/JakeFAU/searchguard/internal/server"
	"github.com/JakeFAU/searchguard/internal/storage"
)

// Client is the control surface the commands use: the typed requests plus
// raw calls for endpoints without a typed method.
type Client interface {
	control.Client
	Call(ctx context.Context, method, path string, body any) (control.Ack, error)
}

// App holds the shared services for one command run.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	client Client

	blobsOnce sync.Once
	blobs     storage.BlobStore
	blobsErr  error
	gcs       *gstorage.Client
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetConfig returns the loaded configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetClient returns the client for the running service.
func (a *App) GetClient() Client {
	return a.client
}

// GetBlobs opens the configured backup store on first use. Opening is deferred
// so that commands which never touch backups do not need cloud credentials.
func (a *App) GetBlobs(ctx context.Context) (storage.BlobStore, error) {
	a.blobsOnce.Do(func() {
		a.blobs, a.gcs, a.blobsErr = server.OpenBlobStore(ctx, a.cfg.Backup, a.logger)
	})
	return a.blobs, a.blobsErr
}

// NewApp builds the command services from cfg. No network calls are made.
func NewApp(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := control.NewHTTPClient(control.HTTPClientConfig{
		BaseURL: cfg.Control.URL,
		APIKey:  cfg.Auth.APIKey,
		Timeout: cfg.Control.Timeout,
		IDs:     uuid.New(),
		Logger:  logger.Named("client"),
	})
	if err != nil {
		return nil, fmt.Errorf("control client init failed: %w", err)
	}
	return &App{cfg: cfg, logger: logger, client: client}, nil
}

// Close releases the services opened during the run.
func (a *App) Close() {
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
