package color

import (
	"testing"
)

func restore(t *testing.T) {
	t.Helper()
	enabled, overridden := state.enabled.Load(), state.overridden.Load()
	t.Cleanup(func() {
		state.enabled.Store(enabled)
		state.overridden.Store(overridden)
	})
}

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		flag bool
		vars map[string]string
		tty  bool
		want bool
	}{
		{"terminal", false, map[string]string{"TERM": "xterm"}, true, true},
		{"flag", true, nil, true, false},
		{"not a terminal", false, nil, false, false},
		{"NO_COLOR empty", false, map[string]string{"NO_COLOR": ""}, true, false},
		{"dumb term", false, map[string]string{"TERM": "dumb"}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detect(tt.flag, env(tt.vars), tt.tty); got != tt.want {
				t.Errorf("detect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnableDisable(t *testing.T) {
	restore(t)

	Enable()
	if !Enabled() {
		t.Error("expected colors after Enable()")
	}
	Disable()
	if Enabled() {
		t.Error("expected no colors after Disable()")
	}
}

func TestOverrideSurvivesInit(t *testing.T) {
	restore(t)

	Enable()
	Init(true)
	if !Enabled() {
		t.Error("Init must not undo Enable()")
	}
}

func TestPaint(t *testing.T) {
	restore(t)

	Enable()
	if got := Success("Released"); got != Green+"Released"+Reset {
		t.Errorf("Success() = %q", got)
	}
	if got := Key("nightly-backup_71985dd"); got != Cyan+"nightly-backup_71985dd"+Reset {
		t.Errorf("Key() = %q", got)
	}

	Disable()
	for _, fn := range []func(string) string{Success, Error, Warning, Info, Key, Header, Dim, State} {
		if got := fn("text"); got != "text" {
			t.Errorf("disabled color returned %q", got)
		}
	}
}

func TestState(t *testing.T) {
	restore(t)
	Enable()

	tests := map[string]string{
		"live":    Yellow + "live" + Reset,
		"stale":   Gray + "stale" + Reset,
		"free":    Green + "free" + Reset,
		"unknown": "unknown",
	}
	for in, want := range tests {
		if got := State(in); got != want {
			t.Errorf("State(%q) = %q, want %q", in, got, want)
		}
	}
}
