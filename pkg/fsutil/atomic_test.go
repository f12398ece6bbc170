package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/runguard/pkg/fsutil"
)

func TestAtomicWrite_ReplacesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auto_unlock_after: 60\n"), 0o644))

	require.NoError(t, fsutil.AtomicWrite(path, []byte("auto_unlock_after: 20\n"), 0o600))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "auto_unlock_after: 20\n", string(content))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestAtomicWrite_LeavesNoTemporaries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, fsutil.AtomicWrite(filepath.Join(dir, "runguard.yaml"), []byte("x"), 0o644))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, fsutil.IsTemp(entries[0].Name()))
}

func TestAtomicWrite_MissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "runguard.yaml")
	err := fsutil.AtomicWrite(path, []byte("x"), 0o644)
	assert.Error(t, err)
	assert.NoFileExists(t, path)
}

func TestIsTemp(t *testing.T) {
	assert.True(t, fsutil.IsTemp(fsutil.TempPrefix+"123"))
	assert.True(t, fsutil.IsTemp(filepath.Join("lockfiles", fsutil.TempPrefix+"abc")))
	assert.False(t, fsutil.IsTemp("nightly-backup_71985dd.lock"))
	assert.False(t, fsutil.IsTemp("runguard-tmp-1"))
}
