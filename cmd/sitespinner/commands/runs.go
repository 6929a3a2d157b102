package commands

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitespinner/sitespinner/pkg/engine"
	"github.com/sitespinner/sitespinner/pkg/stores"
)

func newRunsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run journal",
		Long: `Every provision and delete run is recorded in the state database with
its action outcomes, undo failures and leftover artifacts.`,
	}

	cmd.AddCommand(newRunsListCommand(opts))
	cmd.AddCommand(newRunsShowCommand(opts))
	cmd.AddCommand(newRunsPruneCommand(opts))
	cmd.AddCommand(newRunsAuditCommand(opts))

	return cmd
}

func newRunsListCommand(opts *globalOptions) *cobra.Command {
	var (
		destination string
		status      string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Example: `  # Failed runs against one destination
  sitespinner runs list --destination example.new --status failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			filter := stores.RunFilter{Destination: destination, Limit: limit}
			if status != "" {
				s := engine.RunStatus(status)
				if err := s.Validate(); err != nil {
					return err
				}
				filter.Status = s
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			runs, err := store.ListRuns(ctx, filter)
			if err != nil {
				return exitWith(ExitJournal, err)
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, runs)
			}
			printRuns(out, runs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&destination, "destination", "d", "", "only runs against this destination alias")
	cmd.Flags().StringVarP(&status, "status", "s", "", "only runs with this status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")

	return cmd
}

func printRuns(w io.Writer, runs []*stores.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tKIND\tDESTINATION\tSTATUS\tSTARTED\tDURATION\tFAILING")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Kind, r.Destination, r.Status,
			r.StartedAt.Local().Format(time.DateTime),
			r.Duration.Round(time.Millisecond),
			r.FailingAction)
	}
	tw.Flush()
}

func newRunsShowCommand(opts *globalOptions) *cobra.Command {
	var events int

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its actions and events",
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
			run, err := store.GetRun(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return exitWith(ExitJournal, err)
			}
			timeline, err := store.GetEvents(ctx, run.ID, events)
			if err != nil {
				return exitWith(ExitJournal, err)
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, struct {
					*stores.Run
					Events []*engine.Event `json:"events"`
				}{run, timeline})
			}
			printRun(out, run, timeline)
			return nil
		},
	}

	cmd.Flags().IntVar(&events, "events", 50, "maximum number of events to show")

	return cmd
}

func printRun(w io.Writer, r *stores.Run, events []*engine.Event) {
	fmt.Fprintf(w, "Run:         %s\n", r.ID)
	fmt.Fprintf(w, "Kind:        %s\n", r.Kind)
	if r.Source != "" {
		fmt.Fprintf(w, "Source:      %s\n", r.Source)
	}
	fmt.Fprintf(w, "Destination: %s\n", r.Destination)
	fmt.Fprintf(w, "Owner:       %s\n", r.Owner)
	fmt.Fprintf(w, "Status:      %s\n", r.Status)
	fmt.Fprintf(w, "Started:     %s\n", r.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Duration:    %s\n", r.Duration.Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", r.Error)
	}
	if r.BoundURI != "" {
		fmt.Fprintf(w, "URI:         %s\n", r.BoundURI)
	}

	fmt.Fprintln(w, "Actions:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, a := range r.Actions {
		fmt.Fprintf(tw, "  %d.\t%s\t%s\t%d attempt(s)\tundo: %s\t%s\n",
			a.Position, a.Kind, a.Status, a.Attempts, a.Undo, a.Error)
	}
	tw.Flush()

	for _, u := range r.UndoFailures {
		fmt.Fprintf(w, "Undo failed: %d. %s: %s\n", u.Position, u.Action, u.Error)
	}
	if len(r.Leftovers) > 0 {
		fmt.Fprintln(w, "Needs manual cleanup:")
		for _, a := range r.Leftovers {
			fmt.Fprintf(w, "  - %s\n", a)
		}
	}
	if len(events) > 0 {
		fmt.Fprintln(w, "Events:")
		for _, e := range events {
			fmt.Fprintf(w, "  %s  %-5s  %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Message)
		}
	}
}

func newRunsPruneCommand(opts *globalOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished runs older than a cutoff",
		Example: `  # Keep 90 days of history
  sitespinner runs prune --older-than 2160h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			n, err := store.PruneRuns(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return exitWith(ExitJournal, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d runs\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the oldest run to keep")

	return cmd
}

func newRunsAuditCommand(opts *globalOptions) *cobra.Command {
	var (
		action string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail of runs and lock takeovers",
		Example: `  # Locks that were taken over or released by hand
  sitespinner runs audit --action lock.taken_over
  sitespinner runs audit --action lock.force_released`,
		Args: cobra.NoArgs,
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
			var filter *string
			if action != "" {
				filter = &action
			}
			entries, err := store.ListAuditEntries(ctx, filter, nil, limit, 0)
			if err != nil {
				return exitWith(ExitJournal, err)
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, entries)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tTARGET")
			for _, e := range entries {
				target := ""
				if e.TargetID != nil {
					target = *e.TargetID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Action, e.Actor, target)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of entries")

	return cmd
}
