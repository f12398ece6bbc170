package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/runguard/internal/audit"
	"github.com/jvs-project/runguard/pkg/color"
	"github.com/jvs-project/runguard/pkg/errclass"
)

func newAuditCmd(a *app) *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit <command>",
		Short: "Inspect the audit log",
	}

	openLog := func() (*audit.FileAppender, error) {
		p := a.cfg.AuditPath()
		if p == "" {
			return nil, errclass.ErrConfigInvalid.WithMessage("audit log is disabled (set audit.enabled)")
		}
		return audit.NewFileAppender(p), nil
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			al, err := openLog()
			if err != nil {
				return err
			}
			n, verr := al.Verify()
			if a.opts.jsonOutput {
				out := map[string]any{"path": al.Path(), "records": n, "valid": verr == nil}
				if verr != nil {
					out["error"] = verr.Error()
				}
				if err := outputJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				if verr != nil {
					return &exitError{code: ExitFailure, err: verr, silent: true}
				}
				return nil
			}
			if verr != nil {
				return verr
			}
			a.out.Printf("%s %d records in %s\n", color.Success("Audit chain OK:"), n, al.Path())
			return nil
		},
	}

	var tailN int
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			al, err := openLog()
			if err != nil {
				return err
			}
			records, err := al.Records()
			if err != nil {
				return err
			}
			if tailN > 0 && len(records) > tailN {
				records = records[len(records)-tailN:]
			}
			if a.opts.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), records)
			}
			for _, r := range records {
				a.out.Printf("%s  %-20s %-40s %s\n",
					r.Timestamp.Format(time.RFC3339), r.EventType, color.Key(string(r.Key)), color.Dim(r.InvocationID))
			}
			return nil
		},
	}
	tailCmd.Flags().IntVarP(&tailN, "lines", "n", 10, "number of records to show (0 for all)")

	auditCmd.AddCommand(verifyCmd, tailCmd)
	return auditCmd
}
