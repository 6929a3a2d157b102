package commands

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitespinner/sitespinner/pkg/stores"
)

// lockPrefix matches the key the executor locks destinations under.
const lockPrefix = "destination:"

func newLocksCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and release destination locks",
		Long: `Runs against the same destination are serialised with a lock in the state
database. A lock left by a crashed run expires after execution.lock_ttl, or
can be released by hand once no run is active.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List held locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			locks, err := store.Locks(ctx)
			if err != nil {
				return exitWith(ExitJournal, err)
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, locks)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DESTINATION\tRUN\tACQUIRED\tEXPIRES")
			for _, l := range locks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					strings.TrimPrefix(l.Key, lockPrefix), l.Owner,
					l.AcquiredAt.Local().Format(time.DateTime),
					l.ExpiresAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "release <destination>",
		Short: "Release a destination lock held by a dead run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			name := strings.TrimPrefix(args[0], "@")
			err = store.ForceRelease(ctx, lockPrefix+name, a.owner())
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("no lock held on %s", name)
			}
			if err != nil {
				return exitWith(ExitJournal, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released lock on %s\n", name)
			return nil
		},
	})

	return cmd
}
