// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vectorroulette/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ValidConfig", func(t *testing.T) {
		t.Parallel()
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "archive", "svg")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.Equal(t, dir, store.Dir())
		assert.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObjectAndExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	exists, err := store.Exists(ctx, "Red_Fox.svg")
	require.NoError(t, err)
	assert.False(t, exists)

	uri, err := store.PutObject(ctx, "Red_Fox.svg", "image/svg+xml", bytes.NewReader([]byte("<svg/>")))
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(dir, "Red_Fox.svg"), uri)

	exists, err = store.Exists(ctx, "Red_Fox.svg")
	require.NoError(t, err)
	assert.True(t, exists)

	content, err := os.ReadFile(filepath.Join(dir, "Red_Fox.svg"))
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", string(content))

	partials, err := filepath.Glob(filepath.Join(dir, ".partial-*"))
	require.NoError(t, err)
	assert.Empty(t, partials)
}

func TestPathTraversalRejected(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.svg", "", bytes.NewReader(nil))
	require.Error(t, err)
	_, err = store.Exists(context.Background(), "../../etc/passwd")
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
