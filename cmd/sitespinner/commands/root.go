package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	aliasPaths []string
	stateDB    string
	verbose    bool
	jsonOutput bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "sitespinner",
		Short: "sitespinner - multisite provisioning for Drupal",
		Long: `sitespinner clones a Drupal site into a new multisite instance.

Sites are described by drush-style site aliases with parent inheritance.
Provisioning copies the database and files of a source alias, writes the
destination's settings file, binds it to a domain and pushes variable
overrides. Every step is undone in reverse order when a later one fails.

Features:
  - Alias files in YAML, JSON, CUE or Starlark
  - Plan gate with OPA policies
  - Run journal and per-destination locks in SQLite
  - Remote web hosts over SSH`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "settings file (default ./sitespinner.yaml if present)")
	rootCmd.PersistentFlags().StringSliceVarP(&opts.aliasPaths, "aliases", "a", nil, "alias files or directories (overrides alias_paths)")
	rootCmd.PersistentFlags().StringVar(&opts.stateDB, "state-db", "", "run journal database (overrides state_db)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newProvisionCommand(opts))
	rootCmd.AddCommand(newDeleteCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newShowCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newRunsCommand(opts))
	rootCmd.AddCommand(newLocksCommand(opts))

	return rootCmd
}
