// Package doctor checks the health of a runguard installation: the lock
// directory, the records in it and the audit log.
package doctor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jvs-project/runguard/internal/audit"
	"github.com/jvs-project/runguard/internal/lease"
	"github.com/jvs-project/runguard/pkg/fsutil"
	"github.com/jvs-project/runguard/pkg/model"
	"github.com/jvs-project/runguard/pkg/pathutil"
)

// Severities, most serious first.
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityCritical || f.Severity == SeverityError {
		r.Healthy = false
	}
}

// Paths locates the files checked besides the lock directory. An empty
// field skips its check.
type Paths struct {
	Audit     string
	ConfigDir string
}

// Doctor performs installation health checks.
type Doctor struct {
	store *lease.Store
	ttlOf func(model.LockKey) time.Duration
	paths Paths
}

// NewDoctor creates a new doctor. ttlOf resolves the TTL of a record.
func NewDoctor(store *lease.Store, ttlOf func(model.LockKey) time.Duration, paths Paths) *Doctor {
	return &Doctor{store: store, ttlOf: ttlOf, paths: paths}
}

// Check runs all diagnostic checks.
func (d *Doctor) Check() (*Result, error) {
	result := &Result{Healthy: true, Findings: []Finding{}}

	d.checkConfigDir(result)
	d.checkAudit(result)
	if !d.checkDirectory(result) {
		return result, nil
	}
	d.checkRecords(result)
	d.checkStrayFiles(result)

	return result, nil
}

// checkDirectory reports false when the remaining checks cannot run.
func (d *Doctor) checkDirectory(result *Result) bool {
	dir := d.store.Dir()
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		result.add(Finding{
			Category:    "directory",
			Description: "lock directory does not exist yet; it is created on first run",
			Severity:    SeverityInfo,
			Path:        dir,
		})
		if err := checkCreatable(dir); err != nil {
			result.add(Finding{
				Category:    "directory",
				Description: fmt.Sprintf("lock directory cannot be created: %v", err),
				Severity:    SeverityCritical,
				Path:        dir,
			})
		}
		return false
	}
	if err != nil {
		result.add(Finding{
			Category:    "directory",
			Description: fmt.Sprintf("cannot stat lock directory: %v", err),
			Severity:    SeverityCritical,
			Path:        dir,
		})
		return false
	}
	if !info.IsDir() {
		result.add(Finding{
			Category:    "directory",
			Description: "lock directory path is not a directory",
			Severity:    SeverityCritical,
			Path:        dir,
		})
		return false
	}

	if err := d.store.CheckWritable(); err != nil {
		result.add(Finding{
			Category:    "directory",
			Description: err.Error(),
			Severity:    SeverityCritical,
			Path:        dir,
		})
	}
	return true
}

// checkCreatable walks up to the nearest existing ancestor and checks that
// it is a writable directory.
func checkCreatable(dir string) error {
	for p := filepath.Dir(dir); ; p = filepath.Dir(p) {
		info, err := os.Stat(p)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", p)
			}
			f, err := os.CreateTemp(p, ".runguard-doctor-*")
			if err != nil {
				return err
			}
			f.Close()
			return os.Remove(f.Name())
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if filepath.Dir(p) == p {
			return err
		}
	}
}

func (d *Doctor) checkRecords(result *Result) {
	statuses, err := d.store.List(d.ttlOf)
	if err != nil {
		result.add(Finding{
			Category:    "lease",
			Description: fmt.Sprintf("cannot list lease records: %v", err),
			Severity:    SeverityError,
			Path:        d.store.Dir(),
		})
		return
	}
	for _, st := range statuses {
		if st.State != model.LeaseStateStale {
			continue
		}
		result.add(Finding{
			Category: "lease",
			Description: fmt.Sprintf("stale lease %s (age %s); the next run reclaims it",
				st.Key, st.Age.Truncate(time.Second)),
			Severity: SeverityWarning,
			Path:     d.store.Path(st.Key),
		})
	}
}

// checkStrayFiles reports .lock files whose name is not a lock key.
func (d *Doctor) checkStrayFiles(result *Result) {
	names, err := d.store.Entries()
	if err != nil {
		return
	}
	for _, name := range names {
		if !strings.HasSuffix(name, model.LockFileSuffix) {
			continue
		}
		if err := pathutil.ValidateKey(strings.TrimSuffix(name, model.LockFileSuffix)); err != nil {
			result.add(Finding{
				Category:    "lease",
				Description: fmt.Sprintf("record name is not a lock key: %v", err),
				Severity:    SeverityWarning,
				Path:        filepath.Join(d.store.Dir(), name),
			})
		}
	}
}

// checkConfigDir reports temporaries left by an interrupted config write.
func (d *Doctor) checkConfigDir(result *Result) {
	if d.paths.ConfigDir == "" {
		return
	}
	entries, err := os.ReadDir(d.paths.ConfigDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if fsutil.IsTemp(e.Name()) {
			result.add(Finding{
				Category:    "tmp",
				Description: "orphan temporary file from an interrupted config write",
				Severity:    SeverityWarning,
				Path:        filepath.Join(d.paths.ConfigDir, e.Name()),
			})
		}
	}
}

func (d *Doctor) checkAudit(result *Result) {
	if d.paths.Audit == "" {
		return
	}
	n, err := audit.NewFileAppender(d.paths.Audit).Verify()
	if err != nil {
		result.add(Finding{
			Category:    "audit",
			Description: fmt.Sprintf("audit chain broken after %d valid records: %v", n, err),
			Severity:    SeverityCritical,
			Path:        d.paths.Audit,
		})
	}
}
