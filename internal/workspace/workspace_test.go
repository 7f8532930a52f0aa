package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResetClearsStaleArtifacts(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, "output")
	require.NoError(t, err)

	out := filepath.Join(root, "output")
	require.NoError(t, os.MkdirAll(filepath.Join(out, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(out, FrontendFile), []byte("<html>old</html>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(out, "nested", "x.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("keep"), 0644))

	require.NoError(t, w.Reset())

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.FileExists(t, filepath.Join(root, "keep.txt"))

	// Only the backend is produced by the next run.
	require.NoError(t, os.WriteFile(filepath.Join(out, BackendFile), []byte("app = 1"), 0644))
	b, err := w.ReadBundle()
	require.NoError(t, err)
	assert.Equal(t, []string{FrontendFile, TestFile, ReadmeFile}, b.Missing())
	_, ok := b.Get(FrontendFile)
	assert.False(t, ok)
	backend, ok := b.Get(BackendFile)
	require.True(t, ok)
	assert.Equal(t, "app = 1", backend.Content)
	assert.Equal(t, 1, b.Present())
}

func TestResetCreatesMissingDir(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, "build/output")
	require.NoError(t, err)

	require.NoError(t, w.Reset())
	assert.DirExists(t, filepath.Join(root, "build", "output"))
}

func TestNewRejectsUnsafeOutputDirs(t *testing.T) {
	root := t.TempDir()

	for _, dir := range []string{".", "", "..", "../elsewhere", "/"} {
		_, err := New(root, dir)
		assert.Error(t, err, dir)
	}
}

func TestRunMetadataRoundTrip(t *testing.T) {
	w, err := New(t.TempDir(), "output")
	require.NoError(t, err)
	require.NoError(t, w.Reset())

	meta, err := w.ReadRunMetadata()
	require.NoError(t, err)
	assert.Nil(t, meta)

	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, w.WriteRunMetadata(&RunMetadata{RunID: 7, TeamName: "fullstack", Task: "time app", StartedAt: started}))

	meta, err = w.ReadRunMetadata()
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, int64(7), meta.RunID)
	assert.True(t, started.Equal(meta.StartedAt))

	b, err := w.ReadBundle()
	require.NoError(t, err)
	assert.Len(t, b.Artifacts, 4)
}
