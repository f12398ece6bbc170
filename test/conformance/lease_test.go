//go:build conformance

package conformance

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Test 1: a free job runs and its exit code passes through
func TestLease_RunPassesExitCode(t *testing.T) {
	dir := initTestDir(t, 300)

	_, stderr, code := runGuard(t, dir, "run", "--name", "ok", "--", "true")
	if code != 0 {
		t.Fatalf("run failed: %s", stderr)
	}

	_, _, code = runGuard(t, dir, "run", "--name", "fails", "--", "sh", "-c", "exit 3")
	if code != 3 {
		t.Errorf("expected child exit code 3, got %d", code)
	}
}

// Test 2: a second run of the same job is denied with EX_TEMPFAIL
func TestLease_ConcurrentRunDenied(t *testing.T) {
	dir := initTestDir(t, 300)
	startHolder(t, dir, "nightly-backup")

	_, stderr, code := runGuard(t, dir, "run", "--name", "nightly-backup", "--", "true")
	if code != 75 {
		t.Fatalf("expected exit 75, got %d (%s)", code, stderr)
	}
	if !strings.Contains(stderr, "until automatic unlock") {
		t.Errorf("expected remaining time in denial, got: %s", stderr)
	}
}

// Test 3: different jobs do not exclude each other
func TestLease_IndependentJobs(t *testing.T) {
	dir := initTestDir(t, 300)
	startHolder(t, dir, "job-a")

	_, stderr, code := runGuard(t, dir, "run", "--name", "job-b", "--", "true")
	if code != 0 {
		t.Fatalf("independent job denied: %s", stderr)
	}
}

// Test 4: the lease is released after the job finishes
func TestLease_ReleasedAfterRun(t *testing.T) {
	dir := initTestDir(t, 300)

	runGuard(t, dir, "run", "--name", "nightly-backup", "--", "true")

	if _, err := os.Stat(filepath.Join(dir, "locks", "nightly-backup_71985dd.lock")); !os.IsNotExist(err) {
		t.Errorf("lease file should be gone, stat err: %v", err)
	}
	stdout, _, _ := runGuard(t, dir, "status")
	if !strings.Contains(stdout, "No leases") {
		t.Errorf("expected no leases, got: %s", stdout)
	}
}

// Test 5: an expired lease is reclaimed
func TestLease_StaleReclaimed(t *testing.T) {
	dir := initTestDir(t, 1)
	locks := filepath.Join(dir, "locks")
	if err := os.MkdirAll(locks, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(locks, "nightly-backup_71985dd.lock")
	if err := os.WriteFile(path, []byte("gone\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	_, stderr, code := runGuard(t, dir, "run", "--name", "nightly-backup", "--", "true")
	if code != 0 {
		t.Fatalf("stale lease not reclaimed: %s", stderr)
	}
}

// Test 6: force release frees a live lease
func TestLease_ForceRelease(t *testing.T) {
	dir := initTestDir(t, 300)
	startHolder(t, dir, "nightly-backup")

	stdout, stderr, code := runGuard(t, dir, "release", "nightly-backup")
	if code != 0 {
		t.Fatalf("release failed: %s", stderr)
	}
	if !strings.Contains(stdout, "Released") {
		t.Errorf("expected 'Released' in output, got: %s", stdout)
	}

	_, _, code = runGuard(t, dir, "run", "--name", "nightly-backup", "--", "true")
	if code != 0 {
		t.Error("should be able to run after release")
	}
}

// Test 7: the audit chain verifies after a few runs
func TestLease_AuditChainVerifies(t *testing.T) {
	dir := initTestDir(t, 300)
	for i := 0; i < 3; i++ {
		runGuard(t, dir, "run", "--name", "audited", "--", "true")
	}

	_, stderr, code := runGuard(t, dir, "audit", "verify")
	if code != 0 {
		t.Fatalf("audit verify failed: %s", stderr)
	}
}

// Test 8: doctor reports a healthy directory
func TestLease_DoctorHealthy(t *testing.T) {
	dir := initTestDir(t, 300)
	runGuard(t, dir, "run", "--name", "ok", "--", "true")

	_, stderr, code := runGuard(t, dir, "doctor")
	if code != 0 {
		t.Fatalf("doctor unhealthy: %s", stderr)
	}
}
