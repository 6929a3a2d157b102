package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sitespinner/sitespinner/pkg/engine"
)

func newPlanCommand(opts *globalOptions) *cobra.Command {
	var (
		deletion  bool
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "plan <source> <destination> | plan --delete <destination>",
		Short: "Show the actions a run would take",
		Long: `Resolve the aliases, build the plan and evaluate policies without
touching any database, file or web server configuration.

The exit code is the one provision or delete would return before running:
2 alias error, 3 incomplete alias, 4 denied by policy.`,
		Example: `  # Preview a provisioning run
  sitespinner plan @example.live @example.new

  # Preview a deletion, as JSON
  sitespinner plan --delete @example.new --json`,
		Args: func(cmd *cobra.Command, args []string) error {
			if deletion {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
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

			planner := engine.NewPlanner(a.logger)
			var plan *engine.Plan
			if deletion {
				dest, err := a.resolve(resolver, args[0])
				if err != nil {
					return err
				}
				plan, err = planner.BuildDeletion(dest)
				if err != nil {
					return exitWith(ExitPlan, err)
				}
			} else {
				source, err := a.resolve(resolver, args[0])
				if err != nil {
					return err
				}
				dest, err := a.resolve(resolver, args[1])
				if err != nil {
					return err
				}
				plan, err = planner.Build(source, dest, engine.PlanOptions{Overwrite: overwrite})
				if err != nil {
					return exitWith(ExitPlan, err)
				}
			}

			result, policyErr := a.checkPolicies(ctx, plan, overwrite, true)
			if result == nil && policyErr != nil {
				return policyErr
			}
			if err := printPlan(cmd.OutOrStdout(), plan, result, opts.jsonOutput); err != nil {
				return fmt.Errorf("failed to print plan: %w", err)
			}
			var exitErr *ExitError
			if errors.As(policyErr, &exitErr) {
				return reported(exitErr)
			}
			return policyErr
		},
	}

	cmd.Flags().BoolVar(&deletion, "delete", false, "plan a deletion of the destination")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "plan with an existing destination database and files directory reused")

	return cmd
}
