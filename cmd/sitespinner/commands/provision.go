package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sitespinner/sitespinner/pkg/engine"
)

func newProvisionCommand(opts *globalOptions) *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "provision <source> <destination>",
		Short: "Clone a site into a new multisite instance",
		Long: `Clone the source alias into the destination alias.

The six actions run in order:
  1. FetchLiveVariables  read variable values from the source database
  2. CopyDatabase        dump the source, create the destination, load
  3. CopyFiles           copy the %files directory
  4. WriteSettings       render the settings template, set mode and owner
  5. BindDomain          register the site in sites.php
  6. ApplyVariables      write the overlaid variables to the destination

When an action fails, or the run is interrupted, everything done so far is
undone in reverse order. Anything that could not be undone is listed.

Exit codes: 2 alias error, 3 incomplete alias, 4 denied by policy,
5 destination locked, 10-15 the failing action, 16 cancelled,
30 run journal unavailable.`,
		Example: `  # Provision a new site from the live site
  sitespinner provision @example.live @example.new

  # Reuse an existing destination database and files directory
  sitespinner provision example.live example.new --overwrite`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			overwrite = overwrite || a.settings.Execution.Overwrite

			_, resolver, err := a.resolver(ctx)
			if err != nil {
				return err
			}
			source, err := a.resolve(resolver, args[0])
			if err != nil {
				return err
			}
			dest, err := a.resolve(resolver, args[1])
			if err != nil {
				return err
			}

			plan, err := engine.NewPlanner(a.logger).Build(source, dest, engine.PlanOptions{Overwrite: overwrite})
			if err != nil {
				return exitWith(ExitPlan, err)
			}

			if _, err := a.checkPolicies(ctx, plan, overwrite, false); err != nil {
				return err
			}

			log.Info().
				Str("source", source.Name).
				Str("destination", dest.Name).
				Bool("overwrite", overwrite).
				Msg("Provisioning site")

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
				return reported(&ExitError{Code: code, Err: fmt.Errorf("provision %s: %w", dest.Name, report.Err())})
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "reuse an existing destination database and files directory")

	return cmd
}
