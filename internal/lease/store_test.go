package lease_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/jvs-project/runguard/internal/lease"
	"github.com/jvs-project/runguard/pkg/errclass"
	"github.com/jvs-project/runguard/pkg/fsutil"
	"github.com/jvs-project/runguard/pkg/model"
)

const testKey = model.LockKey("ReportCommand_644e488")

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var modes = []model.AcquireMode{model.AcquireStrict, model.AcquireLegacy}

func newStore(t *testing.T, mode model.AcquireMode, opts ...lease.Option) (*lease.Store, *testingclock.FakePassiveClock) {
	t.Helper()
	clk := testingclock.NewFakePassiveClock(t0)
	dir := filepath.Join(t.TempDir(), "lockfiles")
	opts = append([]lease.Option{lease.WithClock(clk), lease.WithMode(mode)}, opts...)
	s := lease.NewStore(dir, opts...)
	require.NoError(t, s.EnsureDirectory())
	return s, clk
}

func modTime(t *testing.T, path string) time.Time {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.ModTime()
}

func forEachMode(t *testing.T, fn func(t *testing.T, mode model.AcquireMode)) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) { fn(t, mode) })
	}
}

func TestStore_EnsureDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "lockfiles")
	s := lease.NewStore(dir)

	require.NoError(t, s.EnsureDirectory())
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Idempotent.
	require.NoError(t, s.EnsureDirectory())
}

func TestStore_EnsureDirectory_Fails(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "lockfiles")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0644))

	err := lease.NewStore(blocker).EnsureDirectory()
	require.ErrorIs(t, err, errclass.ErrLockDirSetup)
	assert.True(t, errclass.IsFatal(err))
}

func TestStore_FreshAcquire(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode model.AcquireMode) {
		s, _ := newStore(t, mode)

		res, err := s.TryAcquire(testKey, 20*time.Second)
		require.NoError(t, err)
		assert.True(t, res.Acquired)
		assert.False(t, res.Reclaimed)

		path := s.Path(testKey)
		assert.Equal(t, filepath.Join(s.Dir(), "ReportCommand_644e488.lock"), path)
		assert.True(t, modTime(t, path).Equal(t0), "record age must be ~0")

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(content))
	})
}

func TestStore_LiveRejection(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode model.AcquireMode) {
		s, clk := newStore(t, mode)
		_, err := s.TryAcquire(testKey, 20*time.Second)
		require.NoError(t, err)

		clk.SetTime(t0.Add(5 * time.Second))
		res, err := s.TryAcquire(testKey, 20*time.Second)

		require.ErrorIs(t, err, errclass.ErrLockPresent)
		assert.False(t, errclass.IsFatal(err))
		assert.False(t, res.Acquired)
		assert.Equal(t, int64(15), res.RemainingSeconds())

		var present *lease.PresentError
		require.True(t, errors.As(err, &present))
		assert.Equal(t, testKey, present.Key)
		assert.Equal(t, int64(15), present.RemainingSeconds())
		assert.Equal(t, "lock file present for ReportCommand_644e488: 0m 15s until automatic unlock", present.Error())

		assert.True(t, modTime(t, s.Path(testKey)).Equal(t0), "rejection must not touch the record")
	})
}

func TestStore_RejectionCarriesHolder(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode model.AcquireMode) {
		first, clk := newStore(t, mode, lease.WithHolder("P1"))
		_, err := first.TryAcquire(testKey, 20*time.Second)
		require.NoError(t, err)

		second := lease.NewStore(first.Dir(), lease.WithClock(clk), lease.WithMode(mode), lease.WithHolder("P2"))
		_, err = second.TryAcquire(testKey, 20*time.Second)

		var present *lease.PresentError
		require.True(t, errors.As(err, &present))
		assert.Equal(t, "P1", present.Holder)
	})
}

func TestStore_StaleReclaim(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode model.AcquireMode) {
		s, clk := newStore(t, mode)
		_, err := s.TryAcquire(testKey, 20*time.Second)
		require.NoError(t, err)

		clk.SetTime(t0.Add(25 * time.Second))
		res, err := s.TryAcquire(testKey, 20*time.Second)
		require.NoError(t, err)
		assert.True(t, res.Acquired)
		assert.True(t, res.Reclaimed)
		assert.True(t, modTime(t, s.Path(testKey)).Equal(t0.Add(25*time.Second)))

		res, err = s.TryAcquire(testKey, 20*time.Second)
		require.ErrorIs(t, err, errclass.ErrLockPresent)
		assert.Equal(t, int64(20), res.RemainingSeconds(), "reclaim must reset the age")
	})
}

func TestStore_ExactlyTTLIsStale(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode model.AcquireMode) {
		s, clk := newStore(t, mode)
		_, err := s.TryAcquire(testKey, 20*time.Second)
		require.NoError(t, err)

		clk.SetTime(t0.Add(19 * time.Second))
		res, err := s.TryAcquire(testKey, 20*time.Second)
		require.ErrorIs(t, err, errclass.ErrLockPresent)
		assert.Equal(t, int64(1), res.RemainingSeconds())

		clk.SetTime(t0.Add(20 * time.Second))
		res, err = s.TryAcquire(testKey, 20*time.Second)
		require.NoError(t, err)
		assert.True(t, res.Reclaimed)
	})
}

func TestStore_ReleaseClearsState(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode model.AcquireMode) {
		s, _ := newStore(t, mode)
		_, err := s.TryAcquire(testKey, 20*time.Second)
		require.NoError(t, err)

		require.NoError(t, s.Release(testKey))
		assert.NoFileExists(t, s.Path(testKey))

		res, err := s.TryAcquire(testKey, 20*time.Second)
		require.NoError(t, err)
		assert.True(t, res.Acquired)
		assert.False(t, res.Reclaimed)
	})
}

func TestStore_ReleaseIsIdempotent(t *testing.T) {
	s, _ := newStore(t, model.AcquireStrict)

	require.NoError(t, s.Release(testKey), "releasing a lease never taken")

	_, err := s.TryAcquire(testKey, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Release(testKey))
	require.NoError(t, s.Release(testKey), "releasing twice")
}

func TestStore_EndToEnd_HolderChange(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode model.AcquireMode) {
		clk := testingclock.NewFakePassiveClock(t0)
		dir := filepath.Join(t.TempDir(), "lockfiles")
		p1 := lease.NewStore(dir, lease.WithClock(clk), lease.WithMode(mode), lease.WithHolder("P1"))
		p2 := lease.NewStore(dir, lease.WithClock(clk), lease.WithMode(mode), lease.WithHolder("P2"))
		require.NoError(t, p1.EnsureDirectory())

		_, err := p1.TryAcquire(testKey, 20*time.Second)
		require.NoError(t, err)

		clk.SetTime(t0.Add(5 * time.Second))
		res, err := p2.TryAcquire(testKey, 20*time.Second)
		require.ErrorIs(t, err, errclass.ErrLockPresent)
		assert.Equal(t, int64(15), res.RemainingSeconds())

		clk.SetTime(t0.Add(25 * time.Second))
		res, err = p2.TryAcquire(testKey, 20*time.Second)
		require.NoError(t, err)
		assert.True(t, res.Reclaimed)

		content, err := os.ReadFile(p2.Path(testKey))
		require.NoError(t, err)
		assert.Equal(t, "P2\n", string(content))

		st, err := p1.Status(testKey, 20*time.Second)
		require.NoError(t, err)
		assert.Equal(t, model.LeaseStateLive, st.State)
		assert.Equal(t, "P2", st.Record.Holder)
		assert.Equal(t, time.Duration(0), st.Age)

		require.NoError(t, p2.Release(testKey))
		assert.NoFileExists(t, p2.Path(testKey))
	})
}

func TestStore_FutureModTimeClampsRemaining(t *testing.T) {
	s, _ := newStore(t, model.AcquireStrict)
	path := s.Path(testKey)
	require.NoError(t, os.WriteFile(path, []byte("999\n"), 0644))
	future := t0.Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	res, err := s.TryAcquire(testKey, 20*time.Second)
	require.ErrorIs(t, err, errclass.ErrLockPresent)
	assert.Equal(t, int64(20), res.RemainingSeconds())
}

func TestStore_ZeroTTLAlwaysReclaims(t *testing.T) {
	s, _ := newStore(t, model.AcquireStrict)
	_, err := s.TryAcquire(testKey, 0)
	require.NoError(t, err)

	res, err := s.TryAcquire(testKey, 0)
	require.NoError(t, err)
	assert.True(t, res.Reclaimed)
}

func TestStore_Status(t *testing.T) {
	s, clk := newStore(t, model.AcquireStrict, lease.WithHolder("4242"))

	st, err := s.Status(testKey, 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseStateFree, st.State)
	assert.Nil(t, st.Record)

	_, err = s.TryAcquire(testKey, 20*time.Second)
	require.NoError(t, err)

	clk.SetTime(t0.Add(8 * time.Second))
	st, err = s.Status(testKey, 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseStateLive, st.State)
	assert.Equal(t, 8*time.Second, st.Age)
	assert.Equal(t, 12*time.Second, st.Remaining)
	assert.Equal(t, "4242", st.Record.Holder)

	clk.SetTime(t0.Add(30 * time.Second))
	st, err = s.Status(testKey, 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseStateStale, st.State)
	assert.Equal(t, time.Duration(0), st.Remaining)
}

func TestStore_List(t *testing.T) {
	s, clk := newStore(t, model.AcquireStrict)
	other := model.LockKey("Backup_71985dd")

	_, err := s.TryAcquire(testKey, 20*time.Second)
	require.NoError(t, err)
	clk.SetTime(t0.Add(10 * time.Second))
	_, err = s.TryAcquire(other, 5*time.Second)
	require.NoError(t, err)

	// Unrelated files and directories are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "audit.jsonl"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(s.Dir(), "sub.lock"), 0755))

	clk.SetTime(t0.Add(16 * time.Second))
	list, err := s.List(func(k model.LockKey) time.Duration {
		if k == other {
			return 5 * time.Second
		}
		return 20 * time.Second
	})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, other, list[0].Key)
	assert.Equal(t, model.LeaseStateStale, list[0].State)
	assert.Equal(t, testKey, list[1].Key)
	assert.Equal(t, model.LeaseStateLive, list[1].State)
	assert.Equal(t, 4*time.Second, list[1].Remaining)
}

func TestStore_List_MissingDirectory(t *testing.T) {
	s := lease.NewStore(filepath.Join(t.TempDir(), "absent"))
	list, err := s.List(func(model.LockKey) time.Duration { return time.Minute })
	require.NoError(t, err)
	assert.Empty(t, list)
}

// failingFS wraps the host filesystem and injects errors.
type failingFS struct {
	fsutil.OS
	writeErr  error
	createErr error
	lockErr   error
	removeErr error
}

func (f failingFS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	if f.writeErr != nil {
		return &fs.PathError{Op: "open", Path: name, Err: f.writeErr}
	}
	return f.OS.WriteFile(name, data, perm)
}

func (f failingFS) CreateExclusive(name string, data []byte, perm fs.FileMode) error {
	if f.createErr != nil {
		return &fs.PathError{Op: "open", Path: name, Err: f.createErr}
	}
	return f.OS.CreateExclusive(name, data, perm)
}

func (f failingFS) TryLock(name string) (func() error, error) {
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	return f.OS.TryLock(name)
}

func (f failingFS) Remove(name string) error {
	if f.removeErr != nil {
		return &fs.PathError{Op: "remove", Path: name, Err: f.removeErr}
	}
	return f.OS.Remove(name)
}

func TestStore_WriteFailureIsFatal(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode model.AcquireMode) {
		s, _ := newStore(t, mode, lease.WithFileSystem(failingFS{writeErr: fs.ErrPermission, createErr: fs.ErrPermission}))

		res, err := s.TryAcquire(testKey, 20*time.Second)
		require.ErrorIs(t, err, errclass.ErrLockWrite)
		require.ErrorIs(t, err, fs.ErrPermission)
		assert.True(t, errclass.IsFatal(err))
		assert.False(t, res.Acquired)
	})
}

func TestStore_ReclaimWriteFailureIsFatal(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode model.AcquireMode) {
		dir := filepath.Join(t.TempDir(), "lockfiles")
		clk := testingclock.NewFakePassiveClock(t0)
		good := lease.NewStore(dir, lease.WithClock(clk), lease.WithMode(mode))
		require.NoError(t, good.EnsureDirectory())
		_, err := good.TryAcquire(testKey, 20*time.Second)
		require.NoError(t, err)

		clk.SetTime(t0.Add(time.Minute))
		bad := lease.NewStore(dir, lease.WithClock(clk), lease.WithMode(mode),
			lease.WithFileSystem(failingFS{writeErr: fs.ErrPermission}))
		_, err = bad.TryAcquire(testKey, 20*time.Second)
		require.ErrorIs(t, err, errclass.ErrLockWrite)
	})
}

func TestStore_Strict_ConcurrentReclaimRejects(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lockfiles")
	clk := testingclock.NewFakePassiveClock(t0)
	first := lease.NewStore(dir, lease.WithClock(clk))
	require.NoError(t, first.EnsureDirectory())
	_, err := first.TryAcquire(testKey, 20*time.Second)
	require.NoError(t, err)

	clk.SetTime(t0.Add(time.Minute))
	racer := lease.NewStore(dir, lease.WithClock(clk), lease.WithFileSystem(failingFS{lockErr: fsutil.ErrWouldBlock}))
	res, err := racer.TryAcquire(testKey, 20*time.Second)

	require.ErrorIs(t, err, errclass.ErrLockPresent)
	assert.Equal(t, int64(20), res.RemainingSeconds())
	assert.True(t, modTime(t, first.Path(testKey)).Equal(t0), "losing racer must not write")
}

func TestStore_Strict_HeldFlockBlocksReclaim(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("advisory locks are a no-op on windows")
	}
	s, clk := newStore(t, model.AcquireStrict)
	_, err := s.TryAcquire(testKey, 20*time.Second)
	require.NoError(t, err)

	unlock, err := fsutil.OS{}.TryLock(s.Path(testKey))
	require.NoError(t, err)
	defer unlock()

	clk.SetTime(t0.Add(time.Minute))
	_, err = s.TryAcquire(testKey, 20*time.Second)
	require.ErrorIs(t, err, errclass.ErrLockPresent)
}

func TestStore_ReleaseFailureReported(t *testing.T) {
	s, _ := newStore(t, model.AcquireStrict, lease.WithFileSystem(failingFS{removeErr: fs.ErrPermission}))
	err := s.Release(testKey)
	require.ErrorIs(t, err, fs.ErrPermission)
}

func TestStore_CheckWritable(t *testing.T) {
	s, _ := newStore(t, model.AcquireStrict)
	require.NoError(t, s.CheckWritable())

	names, err := s.Entries()
	require.NoError(t, err)
	assert.Empty(t, names, "the scratch file must be removed")

	bad := lease.NewStore(s.Dir(), lease.WithFileSystem(failingFS{writeErr: fs.ErrPermission}))
	err = bad.CheckWritable()
	require.ErrorIs(t, err, errclass.ErrLockWrite)
	require.ErrorIs(t, err, fs.ErrPermission)
}

func TestStore_Entries(t *testing.T) {
	s, _ := newStore(t, model.AcquireStrict)
	_, err := s.TryAcquire(testKey, 20*time.Second)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(s.Dir(), "sub"), 0755))

	names, err := s.Entries()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{testKey.FileName(), "notes.txt"}, names)

	_, err = lease.NewStore(filepath.Join(t.TempDir(), "missing")).Entries()
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestStore_WithModeIgnoresUnknown(t *testing.T) {
	s := lease.NewStore(t.TempDir(), lease.WithMode("optimistic"))
	assert.Equal(t, model.AcquireStrict, s.Mode())
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "0m 20s", lease.FormatRemaining(20*time.Second))
	assert.Equal(t, "4m 59s", lease.FormatRemaining(299*time.Second))
	assert.Equal(t, "0m 0s", lease.FormatRemaining(-time.Second))
}
