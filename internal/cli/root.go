// Package cli implements the runguard command line.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jvs-project/runguard/pkg/color"
	"github.com/jvs-project/runguard/pkg/config"
	"github.com/jvs-project/runguard/pkg/errclass"
	"github.com/jvs-project/runguard/pkg/logging"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

// Exit codes.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitNotFound = 127
	// ExitTempFail (EX_TEMPFAIL) reports a run skipped because another
	// execution holds a live lease.
	ExitTempFail = 75
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath string
	envFile    string
	lockDir    string
	logLevel   string
	jsonOutput bool
	noColor    bool
	quiet      bool
	verbose    bool
}

// app is the state shared by the subcommands of one invocation.
type app struct {
	opts globalOptions
	cfg  *config.Config
	log  *logging.Logger
	out  *printer
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "runguard",
		Short: "runguard - run-once-at-a-time guard for recurring jobs",
		Long: `runguard makes sure at most one execution of a job is in flight on a host.

Each job takes a lease: a record file in the lockfile directory whose
modification time marks the start of the run. A second execution started
while the lease is live is skipped; a lease older than its time-to-live is
considered abandoned and reclaimed.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.opts.configPath, "config", "", "config file (default ./"+config.DefaultFileName+")")
	f.StringVar(&a.opts.envFile, "env-file", "", "dotenv file loaded before the environment overrides")
	f.StringVar(&a.opts.lockDir, "lock-dir", "", "override lockfile_directory")
	f.StringVar(&a.opts.logLevel, "log-level", "", "diagnostic log level (debug, info, warn, error, off)")
	f.BoolVar(&a.opts.jsonOutput, "json", false, "output in JSON format")
	f.BoolVar(&a.opts.noColor, "no-color", false, "disable colored output")
	f.BoolVarP(&a.opts.quiet, "quiet", "q", false, "suppress informational output")
	f.BoolVarP(&a.opts.verbose, "verbose", "v", false, "verbose output")
	root.MarkFlagsMutuallyExclusive("quiet", "verbose")

	root.AddCommand(
		newRunCmd(a),
		newStatusCmd(a),
		newReleaseCmd(a),
		newKeyCmd(a),
		newConfigCmd(a),
		newDoctorCmd(a),
		newAuditCmd(a),
	)
	return root
}

// setup loads configuration and wires logging and output for a subcommand.
func (a *app) setup(cmd *cobra.Command) error {
	if a.opts.noColor {
		color.Disable()
	} else {
		color.Init(false)
	}

	verbosity := VerbosityNormal
	switch {
	case a.opts.quiet:
		verbosity = VerbosityQuiet
	case a.opts.verbose:
		verbosity = VerbosityVerbose
	}
	a.out = newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), verbosity)

	if err := config.LoadEnvFile(a.opts.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return err
	}
	if a.opts.lockDir != "" {
		dir, err := filepath.Abs(a.opts.lockDir)
		if err != nil {
			return fmt.Errorf("resolve --lock-dir: %w", err)
		}
		cfg.LockfileDirectory = &dir
	}
	if a.opts.logLevel != "" {
		cfg.Logging.Level = a.opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	format, _ := logging.ParseFormat(cfg.Logging.Format)
	log := logging.New(cmd.ErrOrStderr(), level, format)
	logging.SetGlobal(log)
	a.log = log
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	err := root.Execute()
	return exitCode(root.ErrOrStderr(), err)
}

// exitError carries a specific exit code. Silent errors have already been
// reported to the user.
type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// exitCode reports err on w and maps it to a process exit code.
func exitCode(w io.Writer, err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if !ee.silent {
			fmtErr(w, "%v", ee)
		}
		return ee.code
	}
	fmtErr(w, "%v", err)
	if errors.Is(err, errclass.ErrLockPresent) {
		return ExitTempFail
	}
	return ExitFailure
}

// outputJSON prints v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtErr(w io.Writer, format string, args ...any) {
	prefix := "runguard: "
	if color.Enabled() {
		prefix = color.Error("runguard:") + " "
	}
	fmt.Fprintf(w, prefix+format+"\n", args...)
}
