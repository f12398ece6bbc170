// Package color styles user-facing CLI output. Colors are off when NO_COLOR
// is set (https://no-color.org/), when TERM is dumb, when stdout is not a
// terminal, or when --no-color is given.
package color

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/term"
)

// state is the process-wide setting. overridden is set by Enable and
// Disable so a later Init keeps that choice.
var state struct {
	enabled    atomic.Bool
	overridden atomic.Bool
	once       sync.Once
}

// Init decides once whether to color output.
func Init(noColorFlag bool) {
	state.once.Do(func() {
		if state.overridden.Load() {
			return
		}
		state.enabled.Store(detect(noColorFlag, os.LookupEnv, term.IsTerminal(int(os.Stdout.Fd()))))
	})
}

func detect(noColorFlag bool, lookup func(string) (string, bool), tty bool) bool {
	if noColorFlag || !tty {
		return false
	}
	if _, ok := lookup("NO_COLOR"); ok {
		return false
	}
	if t, _ := lookup("TERM"); t == "dumb" {
		return false
	}
	return true
}

// Enabled reports whether output is colored.
func Enabled() bool {
	Init(false)
	return state.enabled.Load()
}

// Disable turns colors off.
func Disable() {
	state.overridden.Store(true)
	state.enabled.Store(false)
}

// Enable turns colors on.
func Enable() {
	state.overridden.Store(true)
	state.enabled.Store(true)
}

// ANSI SGR sequences.
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Faint  = "\033[2m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
	Gray   = "\033[90m"
)

func paint(code, s string) string {
	if !Enabled() {
		return s
	}
	return code + s + Reset
}

// Success marks a completed action, e.g. "Released".
func Success(s string) string { return paint(Green, s) }

// Error marks failures and the "runguard:" error prefix.
func Error(s string) string { return paint(Red, s) }

// Warning marks denials and doctor warnings.
func Warning(s string) string { return paint(Yellow, s) }

// Info marks informational doctor findings.
func Info(s string) string { return paint(Cyan, s) }

// Key renders a lock key.
func Key(s string) string { return paint(Cyan, s) }

// Header renders a section title.
func Header(s string) string { return paint(Bold, s) }

// Dim renders secondary detail such as verbose output.
func Dim(s string) string { return paint(Faint, s) }

// State renders a lease state: live in yellow, stale in gray, free in
// green.
func State(s string) string {
	switch s {
	case "live":
		return paint(Yellow, s)
	case "stale":
		return paint(Gray, s)
	case "free":
		return paint(Green, s)
	}
	return s
}
