// Package backup writes export documents to a blob store and restores them.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/options"
	"github.com/JakeFAU/searchguard/internal/state"
	"github.com/JakeFAU/searchguard/internal/storage"
)

// ErrNoStore is returned when backups are requested without a blob store.
var ErrNoStore = errors.New("backup: no blob store configured")

// StateClient reads and writes the configuration.
type StateClient interface {
	GetState(ctx context.Context) (state.Configuration, error)
	SetState(ctx context.Context, patch state.Patch) (state.Configuration, error)
}

// Hasher fingerprints export bytes.
type Hasher interface {
	Short(data []byte, n int) string
}

// Clock supplies the backup date.
type Clock interface {
	Now() time.Time
}

// Result describes one written backup.
type Result struct {
	Path  string    `json:"path"`
	URI   string    `json:"uri"`
	Hash  string    `json:"hash"`
	Words int       `json:"words"`
	At    time.Time `json:"at"`
}

// Service snapshots the configuration into a blob store.
type Service struct {
	client StateClient
	blobs  storage.BlobStore
	hasher Hasher
	clock  Clock
	logger *zap.Logger
}

// New constructs a Service. blobs may be nil, in which case Backup and Restore
// return ErrNoStore.
func New(client StateClient, blobs storage.BlobStore, hasher Hasher, clock Clock, logger *zap.Logger) (*Service, error) {
	if client == nil {
		return nil, fmt.Errorf("state client is required")
	}
	if hasher == nil || clock == nil {
		return nil, fmt.Errorf("hasher and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{client: client, blobs: blobs, hasher: hasher, clock: clock, logger: logger.Named("backup")}, nil
}

// ObjectPath names a backup by date and content hash, for example
// ngword-blocker-backup-2025-01-02-3fa9c1d2.json.
func ObjectPath(now time.Time, hash string) string {
	name := options.BackupFileName(now)
	if hash == "" {
		return name
	}
	return strings.TrimSuffix(name, ".json") + "-" + hash + ".json"
}

// Backup exports the current configuration and stores it.
func (s *Service) Backup(ctx context.Context) (Result, error) {
	if s.blobs == nil {
		return Result{}, ErrNoStore
	}
	cfg, err := s.client.GetState(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read state: %w", err)
	}
	data, err := options.ExportJSON(cfg)
	if err != nil {
		return Result{}, err
	}
	now := s.clock.Now()
	hash := s.hasher.Short(data, 8)
	path := ObjectPath(now, hash)
	uri, err := s.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("store backup %s: %w", path, err)
	}
	s.logger.Info("backup written", zap.String("path", path), zap.String("uri", uri), zap.Int("words", len(cfg.WordList)))
	return Result{Path: path, URI: uri, Hash: hash, Words: len(cfg.WordList), At: now}, nil
}

// Restore imports the backup at path, replacing the word list and settings.
func (s *Service) Restore(ctx context.Context, path string) (state.Configuration, error) {
	if s.blobs == nil {
		return state.Configuration{}, ErrNoStore
	}
	data, err := s.blobs.GetObject(ctx, path)
	if err != nil {
		return state.Configuration{}, fmt.Errorf("read backup %s: %w", path, err)
	}
	patch, err := options.ImportJSON(data)
	if err != nil {
		return state.Configuration{}, err
	}
	cfg, err := s.client.SetState(ctx, patch)
	if err != nil {
		return state.Configuration{}, fmt.Errorf("apply backup: %w", err)
	}
	s.logger.Info("backup restored", zap.String("path", path), zap.Int("words", len(cfg.WordList)))
	return cfg, nil
}

// Run writes a backup every interval until ctx is done. Failures are logged.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 || s.blobs == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Backup(ctx); err != nil {
				s.logger.Warn("scheduled backup failed", zap.Error(err))
			}
		}
	}
}
