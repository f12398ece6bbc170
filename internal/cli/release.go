package cli

import (
	"github.com/spf13/cobra"

	"github.com/jvs-project/runguard/pkg/color"
	"github.com/jvs-project/runguard/pkg/lockkey"
	"github.com/jvs-project/runguard/pkg/model"
)

func newReleaseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "release <name|key>",
		Short: "Force-release a lease",
		Long: `Force-release a lease by deleting its record.

Use this when a job is known to be dead and waiting for the lease to expire
is not acceptable. Releasing the lease of a job that is still running lets a
second execution start.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := a.newStore()
			key := lockkey.Resolve(args[0])

			st, err := store.Status(key, a.ttlOf(key))
			if err != nil {
				return err
			}
			if err := store.Release(key); err != nil {
				return err
			}

			released := st.State != model.LeaseStateFree
			if released {
				job := args[0]
				if short, _, ok := lockkey.Split(key); ok {
					job = short
				}
				ev := model.GuardEvent{
					Type: model.EventTypeLeaseForced,
					Time: store.Now(),
					Job:  job,
					Key:  key,
				}
				if st.Record != nil {
					ev.Holder = st.Record.Holder
				}
				a.notify(cmd.Context(), ev)
				a.log.Info("lease force-released", map[string]any{"key": string(key), "previous_state": string(st.State)})
			}

			if a.opts.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), map[string]any{
					"key":            key,
					"released":       released,
					"previous_state": st.State,
				})
			}
			if released {
				a.out.Printf("%s %s\n", color.Success("Released"), color.Key(string(key)))
			} else {
				a.out.Printf("No lease held for %s\n", color.Key(string(key)))
			}
			return nil
		},
	}
}
