package uploads

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calebmoore/forged/internal/forge"
)

// TestAllowedExtensions covers the image and material whitelists.
func TestAllowedExtensions(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"cat.png", "cat.JPG", "cat.jpeg", "cat.bmp", "cat.webp"} {
		require.True(t, AllowedImage(name), name)
	}
	for _, name := range []string{"cat.gif", "cat", "cat.csv", ""} {
		require.False(t, AllowedImage(name), name)
	}
	require.True(t, AllowedMaterials("filaments.csv"))
	require.True(t, AllowedMaterials("filaments.JSON"))
	require.False(t, AllowedMaterials("filaments.yaml"))
}

// TestStageAndRemove stages both payloads and reclaims them.
func TestStageAndRemove(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	imgPath, err := store.StageImage("job-1", "target.png", strings.NewReader("pngbytes"))
	require.NoError(t, err)
	matPath, err := store.StageMaterials("job-1", "filaments.csv", strings.NewReader("name,color"))
	require.NoError(t, err)

	for _, path := range []string{imgPath, matPath} {
		data, readErr := os.ReadFile(path)
		require.NoError(t, readErr)
		require.NotEmpty(t, data)
	}

	require.NoError(t, store.Remove("job-1"))
	matches, err := filepath.Glob(filepath.Join(base, "job-1_*"))
	require.NoError(t, err)
	require.Empty(t, matches)
}

// TestStageRejectsBadInputs checks type, emptiness, and size validation all
// surface forge.ErrInvalidInput.
func TestStageRejectsBadInputs(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir(), MaxBytes: 8})
	require.NoError(t, err)

	_, err = store.StageImage("job-1", "target.gif", strings.NewReader("x"))
	require.ErrorIs(t, err, forge.ErrInvalidInput)

	_, err = store.StageImage("job-1", "target.png", strings.NewReader(""))
	require.ErrorIs(t, err, forge.ErrInvalidInput)

	_, err = store.StageImage("job-1", "target.png", strings.NewReader("way too many bytes"))
	require.ErrorIs(t, err, forge.ErrInvalidInput)
}

// TestStageSanitizesFilename keeps staged files inside the base directory.
func TestStageSanitizesFilename(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	path, err := store.StageImage("job-1", "../../sneaky image!.png", strings.NewReader("data"))
	require.NoError(t, err)
	require.Equal(t, base, filepath.Dir(path))
	require.NotContains(t, filepath.Base(path), "..")
	require.NotContains(t, filepath.Base(path), " ")
}
