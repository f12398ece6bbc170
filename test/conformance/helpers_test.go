//go:build conformance

package conformance

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var runguardBinary string

func init() {
	// Walk up to find bin/runguard
	cwd, _ := os.Getwd()
	for {
		binPath := filepath.Join(cwd, "bin", "runguard")
		if _, err := os.Stat(binPath); err == nil {
			runguardBinary = binPath
			return
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	runguardBinary = "runguard"
}

// initTestDir creates an app root whose config uses ttl seconds and keeps
// an audit log.
func initTestDir(t *testing.T, ttl int) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf("lockfile_directory: locks\nauto_unlock_after: %d\naudit:\n  enabled: true\n", ttl)
	if err := os.WriteFile(filepath.Join(dir, "runguard.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

// runGuard executes the runguard binary with args in the given working directory.
func runGuard(t *testing.T, cwd string, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()
	cmd := exec.Command(runguardBinary, args...)
	cmd.Dir = cwd
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	return
}

// startHolder starts a long-running guarded job and waits until its lease
// file exists.
func startHolder(t *testing.T, cwd, name string) {
	t.Helper()
	cmd := exec.Command(runguardBinary, "run", "--name", name, "--", "sleep", "5")
	cmd.Dir = cwd
	if err := cmd.Start(); err != nil {
		t.Fatalf("start holder: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	stdout, _, _ := runGuard(t, cwd, "key", "--name", name, name)
	path := filepath.Join(cwd, "locks", strings.TrimSpace(stdout)+".lock")
	for i := 0; i < 100; i++ {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("lease file %s never appeared", path)
}
