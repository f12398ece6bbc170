package cli

import (
	"github.com/spf13/cobra"

	"github.com/jvs-project/runguard/internal/doctor"
	"github.com/jvs-project/runguard/pkg/color"
)

func newDoctorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check installation health",
		Long: `Check installation health.

Verifies that the lockfile directory exists and is writable, reports stale
and unrecognised records, and verifies the audit chain when auditing is
enabled. Exits with status 1 when a critical or error finding is reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc := doctor.NewDoctor(a.newStore(), a.ttlOf, doctor.Paths{
				Audit:     a.cfg.AuditPath(),
				ConfigDir: a.cfg.AppRoot(),
			})
			result, err := doc.Check()
			if err != nil {
				return err
			}

			if a.opts.jsonOutput {
				if err := outputJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else if len(result.Findings) == 0 {
				a.out.Printf("%s\n", color.Success("Installation is healthy."))
			} else {
				a.out.Printf("Findings (%d):\n", len(result.Findings))
				for _, f := range result.Findings {
					a.out.Printf("  [%s] %s: %s\n", severityColor(f.Severity), f.Category, f.Description)
				}
			}

			if !result.Healthy {
				return &exitError{code: ExitFailure, silent: true}
			}
			return nil
		},
	}
}

func severityColor(s string) string {
	switch s {
	case doctor.SeverityCritical, doctor.SeverityError:
		return color.Error(s)
	case doctor.SeverityWarning:
		return color.Warning(s)
	}
	return color.Info(s)
}
