// Package app_test contains unit tests for the app package.
package app_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchguard/internal/app"
	"github.com/JakeFAU/searchguard/internal/config"
)

func loadConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNewApp(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t)
	a, err := app.NewApp(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.NotNil(t, a.GetLogger())
	assert.NotNil(t, a.GetClient())
	assert.Equal(t, cfg.Control.URL, a.GetConfig().Control.URL)
}

func TestNewAppRequiresControlURL(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t)
	cfg.Control.URL = " "
	_, err := app.NewApp(cfg, nil)
	require.Error(t, err)
}

func TestGetBlobsIsOpenedOnce(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t)
	cfg.Backup.Backend = config.BackupMemory
	a, err := app.NewApp(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	first, err := a.GetBlobs(context.Background())
	require.NoError(t, err)
	_, err = first.PutObject(context.Background(), "x.json", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)

	second, err := a.GetBlobs(context.Background())
	require.NoError(t, err)
	data, err := second.GetObject(context.Background(), "x.json")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestGetBlobsLocal(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t)
	cfg.Backup.Backend = config.BackupLocal
	cfg.Backup.Dir = t.TempDir()
	a, err := app.NewApp(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	blobs, err := a.GetBlobs(context.Background())
	require.NoError(t, err)
	uri, err := blobs.PutObject(context.Background(), "b.json", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	assert.NotEmpty(t, uri)
}
