package cli

import (
	"fmt"
	"io"

	"github.com/jvs-project/runguard/pkg/color"
)

// Verbosity filters user-facing output. Diagnostics go through the logger.
type Verbosity int

const (
	VerbosityQuiet Verbosity = iota
	VerbosityNormal
	VerbosityVerbose
)

// printer writes user-facing messages. Results go to out; notices about the
// guard itself go to errOut so they never mix with a guarded command's
// stdout.
type printer struct {
	out    io.Writer
	errOut io.Writer
	level  Verbosity
}

func newPrinter(out, errOut io.Writer, level Verbosity) *printer {
	return &printer{out: out, errOut: errOut, level: level}
}

// Printf writes a result line at normal verbosity.
func (p *printer) Printf(format string, args ...any) {
	if p.level >= VerbosityNormal {
		fmt.Fprintf(p.out, format, args...)
	}
}

// Noticef writes a guard notice at normal verbosity.
func (p *printer) Noticef(format string, args ...any) {
	if p.level >= VerbosityNormal {
		fmt.Fprintln(p.errOut, color.Warning("runguard:"), fmt.Sprintf(format, args...))
	}
}

// Verbosef writes a guard notice at verbose level only.
func (p *printer) Verbosef(format string, args ...any) {
	if p.level >= VerbosityVerbose {
		fmt.Fprintln(p.errOut, color.Dim("runguard: "+fmt.Sprintf(format, args...)))
	}
}
