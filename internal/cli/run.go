package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/runguard/internal/guard"
	"github.com/jvs-project/runguard/internal/lease"
	"github.com/jvs-project/runguard/pkg/errclass"
	"github.com/jvs-project/runguard/pkg/pathutil"
)

type runOptions struct {
	name string
	ttl  time.Duration
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [--name NAME] [--ttl DURATION] -- COMMAND [ARGS...]",
		Short: "Run a command unless another execution holds its lease",
		Long: `Run a command under a lease.

The lease key is derived from --name, or from the absolute path of the
executable when no name is given. If a live lease exists the command is
skipped and runguard exits with status 75 (EX_TEMPFAIL). Otherwise the
command runs, its exit status is passed through, and the lease is released
whether it succeeded or not.

The lease lasts --ttl, commands.<name>.auto_unlock_after or
auto_unlock_after, in that order.`,
		Example: `  runguard run --name nightly-backup -- /usr/local/bin/backup.sh --full
  runguard run --ttl 10m -- ./bin/send-reports`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, opts, args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&opts.name, "name", "", "job name used for the lease key and per-command config")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 0, "lease time-to-live (overrides configuration)")
	return cmd
}

func (a *app) run(cmd *cobra.Command, opts runOptions, args []string) error {
	if opts.ttl < 0 {
		return errclass.ErrConfigInvalid.WithMessage("--ttl must not be negative")
	}

	path, err := exec.LookPath(args[0])
	if err != nil {
		return &exitError{code: ExitNotFound, err: fmt.Errorf("command not found: %s", args[0])}
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	desc := guard.Descriptor{
		Identity: path,
		Name:     pathutil.Sanitize(filepath.Base(path)),
		LockTTL:  opts.ttl,
		Lockable: true,
	}
	if opts.name != "" {
		desc.Identity = opts.name
		desc.Name = opts.name
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := guard.New(a.newStore(), a.cfg.LeaseConfig(),
		guard.WithObservers(a.observers()...),
		guard.WithLogger(a.log),
	)
	gc, err := g.Register(desc)
	if err != nil {
		return err
	}
	defer a.writeMetrics(gc.Name(), gc.Key())

	a.out.Verbosef("lease %s (ttl %s, mode %s)", gc.Key(), gc.TTL(), a.cfg.AcquireMode)

	err = g.Run(ctx, gc, func(ctx context.Context) error {
		child := exec.CommandContext(ctx, path, args[1:]...)
		child.Stdin = cmd.InOrStdin()
		child.Stdout = cmd.OutOrStdout()
		child.Stderr = cmd.ErrOrStderr()
		return child.Run()
	})

	var present *lease.PresentError
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		a.out.Verbosef("released %s", gc.Key())
		return nil
	case errors.As(err, &present):
		if a.opts.jsonOutput {
			outputJSON(cmd.OutOrStdout(), map[string]any{
				"status":            "blocked",
				"key":               present.Key,
				"remaining_seconds": present.RemainingSeconds(),
				"holder":            present.Holder,
			})
		} else {
			a.out.Noticef("%v", present)
		}
		return &exitError{code: ExitTempFail, err: err, silent: true}
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		if code < 0 {
			code = ExitFailure
		}
		a.out.Verbosef("%s exited with status %d", filepath.Base(path), code)
		return &exitError{code: code, err: err, silent: true}
	default:
		return err
	}
}
