package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestStorePutOpenRemove round-trips a file through the local store.
func TestStorePutOpenRemove(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)
	ctx := context.Background()

	loc, err := store.Put(ctx, "jobs/j1/model.stl", "model/stl", strings.NewReader("solid"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc, "file://"))

	rc, err := store.Open(ctx, "jobs/j1/model.stl")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "solid", string(data))

	require.NoError(t, store.RemovePrefix(ctx, "jobs/j1/"))
	_, err = os.Stat(filepath.Join(base, "jobs", "j1"))
	require.True(t, os.IsNotExist(err))
}

// TestStoreRejectsTraversal blocks keys escaping the base directory.
func TestStoreRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "../escape.txt", "", strings.NewReader("x"))
	require.Error(t, err)
	_, err = store.Open(context.Background(), "../../etc/passwd")
	require.Error(t, err)
}

// TestNewRequiresBaseDir validates constructor input checks.
func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

// TestNewCreatesMissingDir creates the base directory when absent.
func TestNewCreatesMissingDir(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "nested", "artifacts")
	_, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	info, err := os.Stat(base)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
