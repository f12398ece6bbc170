package cli

import (
	"github.com/spf13/cobra"

	"github.com/jvs-project/runguard/pkg/lockkey"
)

func newKeyCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "key <identity>",
		Short: "Print the lock key derived from an identity",
		Long: `Print the lock key derived from a command identity.

The key is <short name>_<first 7 hex chars of sha1(identity)>. The short name
is the last path segment of the identity, then the part after its last dot,
unless --name replaces it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := args[0]
			key := lockkey.Derive(identity)
			if name != "" {
				key = lockkey.DeriveNamed(name, identity)
			}
			path := a.newStore().Path(key)

			if a.opts.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), map[string]any{
					"identity": identity,
					"key":      key,
					"path":     path,
				})
			}
			a.out.Printf("%s\n", key)
			a.out.Verbosef("record path %s", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "short name replacing the derived one")
	return cmd
}
