// Package lease implements the lease lock store: one record file per lock
// key whose modification time is the lease start. A record younger than its
// TTL blocks acquisition; an older one is stale and gets reclaimed by
// overwriting it.
package lease

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/jvs-project/runguard/pkg/errclass"
	"github.com/jvs-project/runguard/pkg/fsutil"
	"github.com/jvs-project/runguard/pkg/logging"
	"github.com/jvs-project/runguard/pkg/model"
)

const (
	dirPerm    fs.FileMode = 0770
	recordPerm fs.FileMode = 0660

	// A record can vanish between a failed exclusive create and the
	// following stat when its holder releases it; retry that many times.
	maxAcquireAttempts = 3

	// scratchPrefix names the scratch file CheckWritable creates.
	scratchPrefix = ".runguard-writable-"
)

// Store is the only component that touches the lock directory.
type Store struct {
	dir    string
	fs     fsutil.FileSystem
	clock  clock.PassiveClock
	holder string
	mode   model.AcquireMode
	log    *logging.Logger

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithFileSystem replaces the host filesystem.
func WithFileSystem(fsys fsutil.FileSystem) Option {
	return func(s *Store) { s.fs = fsys }
}

// WithClock replaces the wall clock used for lease timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Store) { s.clock = c }
}

// WithHolder sets the holder marker written into records (default: pid).
func WithHolder(holder string) Option {
	return func(s *Store) { s.holder = holder }
}

// WithMode selects the acquire mode (default: model.AcquireStrict).
func WithMode(mode model.AcquireMode) Option {
	return func(s *Store) {
		if mode.Valid() {
			s.mode = mode
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:    dir,
		fs:     fsutil.OS{},
		clock:  clock.RealClock{},
		holder: strconv.Itoa(os.Getpid()),
		mode:   model.AcquireStrict,
		log:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the lock directory.
func (s *Store) Dir() string { return s.dir }

// Mode returns the acquire mode in use.
func (s *Store) Mode() model.AcquireMode { return s.mode }

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.clock.Now() }

// Path returns the record path for key.
func (s *Store) Path(key model.LockKey) string {
	return filepath.Join(s.dir, key.FileName())
}

// EnsureDirectory creates the lock directory if absent.
func (s *Store) EnsureDirectory() error {
	if err := s.fs.MkdirAll(s.dir, dirPerm); err != nil {
		return errclass.ErrLockDirSetup.Wrap(err, "cannot create lockfile directory in %q", s.dir)
	}
	return nil
}

// CheckWritable writes and removes a scratch file in the lock directory.
// Failures are returned as errclass.ErrLockWrite.
func (s *Store) CheckWritable() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := filepath.Join(s.dir, scratchPrefix+strconv.Itoa(os.Getpid()))
	if err := s.fs.WriteFile(name, nil, recordPerm); err != nil {
		return errclass.ErrLockWrite.Wrap(err, "lock directory %s is not writable", s.dir)
	}
	if err := s.fs.Remove(name); err != nil {
		return errclass.ErrLockWrite.Wrap(err, "cannot remove %s", name)
	}
	return nil
}

// Entries returns the names of the files in the lock directory, records
// and anything else.
func (s *Store) Entries() ([]string, error) {
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read lock directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// TryAcquire attempts to take the lease for key. It never waits: a live
// lease yields a rejected result together with a *PresentError. Write
// failures are returned as errclass.ErrLockWrite.
func (s *Store) TryAcquire(key model.LockKey, ttl time.Duration) (model.AcquireResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttl = ttl.Truncate(time.Second)
	if s.mode == model.AcquireLegacy {
		return s.acquireLegacy(key, ttl)
	}
	return s.acquireStrict(key, ttl)
}

// acquireLegacy reads the record state and then writes it as two separate
// filesystem operations. Processes starting at nearly the same instant can
// both observe a free or stale record and both proceed.
func (s *Store) acquireLegacy(key model.LockKey, ttl time.Duration) (model.AcquireResult, error) {
	now := s.clock.Now()
	rec, err := s.stat(key)
	if err != nil {
		return model.AcquireResult{}, errclass.ErrLockWrite.Wrap(err, "inspect lock record %s", key)
	}
	if rec != nil && !rec.IsStale(now, ttl) {
		return s.reject(key, rec, ttl, now)
	}
	if err := s.writeRecord(key, now, s.fs.WriteFile); err != nil {
		return model.AcquireResult{}, err
	}
	return s.acquired(key, now, rec != nil), nil
}

func (s *Store) acquireStrict(key model.LockKey, ttl time.Duration) (model.AcquireResult, error) {
	path := s.Path(key)
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		now := s.clock.Now()

		err := s.writeRecord(key, now, s.fs.CreateExclusive)
		if err == nil {
			return s.acquired(key, now, false), nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return model.AcquireResult{}, err
		}

		rec, err := s.stat(key)
		if err != nil {
			return model.AcquireResult{}, errclass.ErrLockWrite.Wrap(err, "inspect lock record %s", key)
		}
		if rec == nil {
			continue
		}
		if !rec.IsStale(now, ttl) {
			return s.reject(key, rec, ttl, now)
		}

		unlock, err := s.fs.TryLock(path)
		switch {
		case errors.Is(err, fsutil.ErrWouldBlock):
			// Another process is reclaiming right now; its record will be
			// fresh as soon as it finishes writing.
			return s.reject(key, &model.LeaseRecord{Key: key, Path: path, AcquiredAt: now}, ttl, now)
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			return model.AcquireResult{}, errclass.ErrLockWrite.Wrap(err, "lock record %s for reclaim", key)
		}

		res, retry, err := s.reclaimLocked(key, ttl)
		if uerr := unlock(); uerr != nil {
			s.log.Warn("unlock lease record", map[string]any{"key": string(key), "error": uerr.Error()})
		}
		if retry {
			continue
		}
		return res, err
	}
	return model.AcquireResult{}, errclass.ErrLockWrite.WithMessagef("lock record %s kept changing during acquisition", key)
}

// reclaimLocked re-checks staleness while holding the advisory lock and
// overwrites the record in place.
func (s *Store) reclaimLocked(key model.LockKey, ttl time.Duration) (model.AcquireResult, bool, error) {
	now := s.clock.Now()
	rec, err := s.stat(key)
	if err != nil {
		return model.AcquireResult{}, false, errclass.ErrLockWrite.Wrap(err, "inspect lock record %s", key)
	}
	if rec == nil {
		return model.AcquireResult{}, true, nil
	}
	if !rec.IsStale(now, ttl) {
		res, err := s.reject(key, rec, ttl, now)
		return res, false, err
	}
	if err := s.writeRecord(key, now, s.fs.WriteFile); err != nil {
		return model.AcquireResult{}, false, err
	}
	return s.acquired(key, now, true), false, nil
}

type writeFunc func(name string, data []byte, perm fs.FileMode) error

// writeRecord writes the holder marker and stamps the record with now so the
// lease start comes from the injected clock rather than the filesystem.
// fs.ErrExist from an exclusive create is returned unclassified.
func (s *Store) writeRecord(key model.LockKey, now time.Time, write writeFunc) error {
	path := s.Path(key)
	if err := write(path, []byte(s.holder+"\n"), recordPerm); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return errclass.ErrLockWrite.Wrap(err, "cannot write lock file %s", path)
	}
	if err := s.fs.Chtimes(path, now, now); err != nil {
		return errclass.ErrLockWrite.Wrap(err, "cannot stamp lock file %s", path)
	}
	return nil
}

func (s *Store) acquired(key model.LockKey, now time.Time, reclaimed bool) model.AcquireResult {
	rec := &model.LeaseRecord{Key: key, Path: s.Path(key), Holder: s.holder, AcquiredAt: now}
	s.log.Debug("lease acquired", map[string]any{
		"key":       string(key),
		"holder":    s.holder,
		"reclaimed": reclaimed,
	})
	return model.AcquireResult{Acquired: true, Reclaimed: reclaimed, Record: rec}
}

func (s *Store) reject(key model.LockKey, rec *model.LeaseRecord, ttl time.Duration, now time.Time) (model.AcquireResult, error) {
	remaining := rec.Remaining(now, ttl)
	s.log.Debug("lease rejected", map[string]any{
		"key":               string(key),
		"holder":            rec.Holder,
		"remaining_seconds": int64(remaining / time.Second),
	})
	res := model.AcquireResult{Remaining: remaining, Record: rec}
	return res, &PresentError{Key: key, Remaining: remaining, Holder: rec.Holder}
}

// Release deletes the record for key. A missing record is not an error.
func (s *Store) Release(key model.LockKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fs.Remove(s.Path(key))
	if err == nil {
		s.log.Debug("lease released", map[string]any{"key": string(key)})
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove lock file: %w", err)
}

// Status returns the current state of the record for key.
func (s *Store) Status(key model.LockKey, ttl time.Duration) (model.LeaseStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(key, ttl)
}

func (s *Store) statusLocked(key model.LockKey, ttl time.Duration) (model.LeaseStatus, error) {
	rec, err := s.stat(key)
	if err != nil {
		return model.LeaseStatus{}, fmt.Errorf("stat lock file: %w", err)
	}
	if rec == nil {
		return model.LeaseStatus{Key: key, State: model.LeaseStateFree}, nil
	}

	// Holder content is diagnostic only.
	if data, err := s.fs.ReadFile(rec.Path); err == nil {
		rec.Holder = strings.TrimSpace(string(data))
	}

	now := s.clock.Now()
	st := model.LeaseStatus{
		Key:       key,
		State:     model.LeaseStateLive,
		Record:    rec,
		Age:       rec.Age(now),
		Remaining: rec.Remaining(now, ttl),
	}
	if rec.IsStale(now, ttl) {
		st.State = model.LeaseStateStale
	}
	return st, nil
}

// List returns the status of every record in the lock directory, sorted by
// key. ttlOf supplies the TTL to judge each key by.
func (s *Store) List(ttlOf func(model.LockKey) time.Duration) ([]model.LeaseStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock directory: %w", err)
	}

	var out []model.LeaseStatus
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, model.LockFileSuffix) {
			continue
		}
		key := model.LockKey(strings.TrimSuffix(name, model.LockFileSuffix))
		st, err := s.statusLocked(key, ttlOf(key))
		if err != nil {
			return nil, err
		}
		if st.State == model.LeaseStateFree {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// stat returns the record for key, or nil if none exists.
func (s *Store) stat(key model.LockKey) (*model.LeaseRecord, error) {
	path := s.Path(key)
	info, err := s.fs.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &model.LeaseRecord{Key: key, Path: path, AcquiredAt: info.ModTime()}, nil
}
