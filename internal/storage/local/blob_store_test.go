package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/swarmcrawl/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "out")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.DirExists(t, dir)
	})
	t.Run("missing base dir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})
	t.Run("base dir is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "quotes/batch.jsonl", "", strings.NewReader("line\n"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "quotes", "batch.jsonl"), uri)
	data, err := os.ReadFile(filepath.Join(dir, "quotes", "batch.jsonl"))
	require.NoError(t, err)
	require.Equal(t, "line\n", string(data))

	_, err = store.PutObject(context.Background(), "../escape.jsonl", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "path traversal")
	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	require.Error(t, err)
}
