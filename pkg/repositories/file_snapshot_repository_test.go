package repositories

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSnapshotRepository(t *testing.T) {
	repo, err := NewFileSnapshotRepository(filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)

	testSnapshotRepository(t, repo)
}

func TestFileSnapshotRepository_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileSnapshotRepository(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".snapshot-123"), []byte("x"), 0o644))
	require.NoError(t, repo.Save(context.Background(), sampleSnapshot("carol", 1)))

	owners, err := repo.ListOwners(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, owners)
}

func TestFileSnapshotRepository_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileSnapshotRepository(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "dave.yaml"), []byte("entities: [: bad"), 0o644))

	_, err = repo.Load(context.Background(), "dave")
	assert.ErrorContains(t, err, "decode snapshot")
}

func TestNewFileSnapshotRepository_RequiresDir(t *testing.T) {
	_, err := NewFileSnapshotRepository("")
	assert.Error(t, err)
}
