package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sitespinner/sitespinner/pkg/engine"
)

func newDeleteCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <destination>",
		Short: "Remove a provisioned site",
		Long: `Remove everything provisioning created for the destination alias.

The steps run in order and every step runs even when an earlier one fails:
  1. UnbindDomain     remove the site from sites.php
  2. RemoveSettings   remove the settings file and its site directory
  3. RemoveFiles      remove the %files directory
  4. DropDatabase     drop the destination database

Exit codes: 2 alias error, 3 incomplete alias, 4 denied by policy,
5 destination locked, 16 cancelled, 20 database, 21 files, 22 settings,
23 binding (the first failing step), 30 run journal unavailable.`,
		Example: `  # Delete a site
  sitespinner delete @example.new`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			_, resolver, err := a.resolver(ctx)
			if err != nil {
				return err
			}
			dest, err := a.resolve(resolver, args[0])
			if err != nil {
				return err
			}

			plan, err := engine.NewPlanner(a.logger).BuildDeletion(dest)
			if err != nil {
				return exitWith(ExitPlan, err)
			}
			if _, err := a.checkPolicies(ctx, plan, false, false); err != nil {
				return err
			}

			log.Info().Str("destination", dest.Name).Msg("Deleting site")

			backends, err := a.backends(ctx, dest)
			if err != nil {
				return err
			}
			report, err := a.execute(ctx, plan, backends)
			if err != nil {
				return err
			}

			if err := printReport(cmd.OutOrStdout(), report, opts.jsonOutput); err != nil {
				return err
			}
			if code := reportExitCode(report); code != ExitOK {
				return reported(&ExitError{Code: code, Err: fmt.Errorf("delete %s: %w", dest.Name, report.Err())})
			}
			return nil
		},
	}

	return cmd
}
