package model

import "time"

// LockKey identifies one logical recurring job, independent of its arguments.
// Format: <ShortName>_<7 hex chars>.
type LockKey string

// LockFileSuffix is appended to a LockKey to form the record file name.
const LockFileSuffix = ".lock"

// FileName returns the record file name for the key.
func (k LockKey) FileName() string {
	return string(k) + LockFileSuffix
}

// LeaseState represents the current state of a lease record.
type LeaseState string

const (
	LeaseStateFree  LeaseState = "free"
	LeaseStateLive  LeaseState = "live"
	LeaseStateStale LeaseState = "stale"
)

// AcquireMode selects how the store performs the check-then-write sequence.
type AcquireMode string

const (
	// AcquireStrict creates records with O_EXCL and reclaims stale records
	// under an advisory flock, so two racing processes cannot both win.
	AcquireStrict AcquireMode = "strict"
	// AcquireLegacy stats the record and then writes it. Two processes that
	// start at nearly the same instant may both observe "free".
	AcquireLegacy AcquireMode = "legacy"
)

// Valid reports whether m is a known mode.
func (m AcquireMode) Valid() bool {
	return m == AcquireStrict || m == AcquireLegacy
}

// LeaseRecord is stored at <lockfile_directory>/<key>.lock.
// The file content is the holder's pid; the file's mtime is the lease start.
type LeaseRecord struct {
	Key        LockKey   `json:"key"`
	Path       string    `json:"path"`
	Holder     string    `json:"holder,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Age returns now - AcquiredAt truncated to whole seconds. Negative ages
// (record mtime in the future) are reported as zero.
func (r *LeaseRecord) Age(now time.Time) time.Duration {
	age := now.Unix() - r.AcquiredAt.Unix()
	if age < 0 {
		age = 0
	}
	return time.Duration(age) * time.Second
}

// IsStale returns true once the record's age has reached ttl.
func (r *LeaseRecord) IsStale(now time.Time, ttl time.Duration) bool {
	return r.Age(now) >= ttl.Truncate(time.Second)
}

// Remaining returns how long the lease is still honored, never negative.
func (r *LeaseRecord) Remaining(now time.Time, ttl time.Duration) time.Duration {
	rem := ttl.Truncate(time.Second) - r.Age(now)
	if rem < 0 {
		return 0
	}
	return rem
}

// LeaseStatus is a read-only view of one record.
type LeaseStatus struct {
	Key       LockKey       `json:"key"`
	State     LeaseState    `json:"state"`
	Record    *LeaseRecord  `json:"record,omitempty"`
	Age       time.Duration `json:"age"`
	Remaining time.Duration `json:"remaining"`
}

// AcquireResult is the outcome of a TryAcquire call.
type AcquireResult struct {
	Acquired  bool          `json:"acquired"`
	Reclaimed bool          `json:"reclaimed,omitempty"`
	Remaining time.Duration `json:"remaining,omitempty"`
	Record    *LeaseRecord  `json:"record,omitempty"`
}

// RemainingSeconds returns Remaining as whole seconds.
func (r AcquireResult) RemainingSeconds() int64 {
	return int64(r.Remaining / time.Second)
}

// LeaseConfig configures lease timing and placement.
type LeaseConfig struct {
	Directory  string                   `json:"lockfile_directory"`
	DefaultTTL time.Duration            `json:"auto_unlock_after"`
	CommandTTL map[string]time.Duration `json:"commands,omitempty"`
	Mode       AcquireMode              `json:"acquire_mode"`
}

// TTLFor returns the per-command override for name, or DefaultTTL.
func (c LeaseConfig) TTLFor(name string) time.Duration {
	if ttl, ok := c.CommandTTL[name]; ok && ttl > 0 {
		return ttl
	}
	return c.DefaultTTL
}
