package gcs

import (
	"testing"

	gstorage "cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "client is required")

	_, err = New(&gstorage.Client{}, Config{})
	require.ErrorContains(t, err, "bucket name is required")
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	store, err := New(&gstorage.Client{}, Config{Bucket: "b", Prefix: "/backups/"})
	require.NoError(t, err)
	require.Equal(t, "backups/2025/x.json", store.ObjectName("2025/x.json"))

	bare, err := New(&gstorage.Client{}, Config{Bucket: "b"})
	require.NoError(t, err)
	require.Equal(t, "x.json", bare.ObjectName("x.json"))
}
