package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/runguard/internal/lease"
	"github.com/jvs-project/runguard/pkg/color"
	"github.com/jvs-project/runguard/pkg/lockkey"
	"github.com/jvs-project/runguard/pkg/model"
)

// statusView is the JSON form of a lease status.
type statusView struct {
	Key              model.LockKey    `json:"key"`
	State            model.LeaseState `json:"state"`
	Path             string           `json:"path"`
	Holder           string           `json:"holder,omitempty"`
	AcquiredAt       *time.Time       `json:"acquired_at,omitempty"`
	AgeSeconds       int64            `json:"age_seconds"`
	RemainingSeconds int64            `json:"remaining_seconds"`
}

func toView(store *lease.Store, st model.LeaseStatus) statusView {
	v := statusView{
		Key:              st.Key,
		State:            st.State,
		Path:             store.Path(st.Key),
		AgeSeconds:       int64(st.Age / time.Second),
		RemainingSeconds: int64(st.Remaining / time.Second),
	}
	if st.Record != nil {
		v.Holder = st.Record.Holder
		at := st.Record.AcquiredAt
		v.AcquiredAt = &at
	}
	return v
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name|key]",
		Short: "Show lease records",
		Long: `Show lease records in the lockfile directory.

Without arguments every record is listed. With a job name or lock key only
that lease is shown, including when it is free.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := a.newStore()

			var statuses []model.LeaseStatus
			if len(args) == 1 {
				key := lockkey.Resolve(args[0])
				st, err := store.Status(key, a.ttlOf(key))
				if err != nil {
					return err
				}
				statuses = append(statuses, st)
			} else {
				list, err := store.List(a.ttlOf)
				if err != nil {
					return err
				}
				statuses = list
			}

			if a.opts.jsonOutput {
				views := make([]statusView, 0, len(statuses))
				for _, st := range statuses {
					views = append(views, toView(store, st))
				}
				return outputJSON(cmd.OutOrStdout(), views)
			}

			if len(statuses) == 0 {
				a.out.Printf("No leases in %s\n", store.Dir())
				return nil
			}
			a.out.Printf("%s\n", color.Header("Leases in "+store.Dir()))
			for _, st := range statuses {
				a.out.Printf("  %-40s %-6s", color.Key(string(st.Key)), color.State(string(st.State)))
				if st.Record != nil {
					a.out.Printf("  age %-8s remaining %-8s holder %s",
						lease.FormatRemaining(st.Age), lease.FormatRemaining(st.Remaining), st.Record.Holder)
				}
				a.out.Printf("\n")
			}
			return nil
		},
	}
}
