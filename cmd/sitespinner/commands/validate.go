package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitespinner/sitespinner/pkg/alias"
	"github.com/sitespinner/sitespinner/pkg/config"
	"github.com/sitespinner/sitespinner/pkg/engine"
)

// validation is the outcome of checking every alias.
type validation struct {
	Aliases  int               `json:"aliases"`
	Resolved int               `json:"resolved"`
	Policies int               `json:"policies"`
	Errors   []string          `json:"errors,omitempty"`
	Failed   map[string]string `json:"failed,omitempty"`

	// Incomplete lists destination aliases that provisioning would reject.
	Incomplete map[string]string `json:"incomplete,omitempty"`
}

func (v *validation) exitCode() int {
	switch {
	case len(v.Errors) > 0 || len(v.Failed) > 0:
		return ExitAlias
	case len(v.Incomplete) > 0:
		return ExitPlan
	}
	return ExitOK
}

func newValidateCommand(opts *globalOptions) *cobra.Command {
	var (
		watch    bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and resolve every alias",
		Long: `Load every alias file, resolve every alias and check every alias with a
destination-config for the fields provisioning needs.

This command checks:
  - file syntax and the alias schema
  - duplicate alias names
  - missing parents and inheritance cycles
  - destination completeness (root, uri, %files, database, binding)
  - that the policies in policy.dir compile

With --watch, the checks re-run whenever an alias file changes and policies
are recompiled whenever a policy file changes.`,
		Example: `  # Validate the alias paths from sitespinner.yaml
  sitespinner validate

  # Validate a directory and keep watching it
  sitespinner validate --aliases ./aliases --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			pe, err := a.policyEngine(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			loader := config.NewLoader(a.logger,
				config.WithEnv(config.EnvFromOS()),
				config.WithStarlarkTimeout(a.settings.Execution.StarlarkTimeout),
			)

			if watch {
				if dir := a.settings.Policy.Dir; dir != "" {
					if err := pe.Watch(ctx, []string{dir}); err != nil {
						return exitWith(ExitUsage, err)
					}
				}
				err := loader.Watch(ctx, a.settings.AliasPaths, debounce, func(docs []alias.Document, err error) {
					v := a.validate(docs, err)
					v.Policies = len(pe.ListPolicies())
					if perr := printValidation(out, v, opts.jsonOutput); perr != nil {
						a.logger.Error().Err(perr).Msg("failed to print validation result")
					}
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					return exitWith(ExitAlias, err)
				}
				return nil
			}

			docs, err := loader.Load(ctx, a.settings.AliasPaths...)
			v := a.validate(docs, err)
			v.Policies = len(pe.ListPolicies())
			if err := printValidation(out, v, opts.jsonOutput); err != nil {
				return err
			}
			if code := v.exitCode(); code != ExitOK {
				return reported(&ExitError{Code: code, Err: fmt.Errorf("alias validation failed")})
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when alias files change")
	cmd.Flags().DurationVar(&debounce, "debounce", 300*time.Millisecond, "wait this long after a change before re-validating")

	return cmd
}

func (a *app) validate(docs []alias.Document, loadErr error) *validation {
	v := &validation{}
	if loadErr != nil {
		var le *config.LoadError
		if errors.As(loadErr, &le) {
			for _, ve := range le.Errors {
				v.Errors = append(v.Errors, ve.String())
			}
		} else {
			v.Errors = append(v.Errors, loadErr.Error())
		}
		return v
	}

	store, err := alias.Load(docs...)
	if err != nil {
		v.Errors = append(v.Errors, err.Error())
		return v
	}
	v.Aliases = store.Len()

	resolver := alias.NewResolver(store, alias.WithDefaults(alias.Defaults{User: a.userName(), Group: a.group}))
	resolved, failed := resolver.ResolveAll()
	v.Resolved = len(resolved)
	if len(failed) > 0 {
		v.Failed = make(map[string]string, len(failed))
		for name, err := range failed {
			v.Failed[name] = err.Error()
		}
	}

	planner := engine.NewPlanner(a.logger)
	for name, ra := range resolved {
		if ra.Doc.Submap(alias.KeyDestination) == nil {
			continue
		}
		if _, err := planner.BuildDeletion(ra); err != nil {
			if v.Incomplete == nil {
				v.Incomplete = make(map[string]string)
			}
			v.Incomplete[name] = err.Error()
		}
	}
	return v
}

func printValidation(w io.Writer, v *validation, asJSON bool) error {
	if asJSON {
		return writeJSON(w, v)
	}
	for _, e := range v.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	for _, name := range sortedKeys(v.Failed) {
		fmt.Fprintf(w, "error: %s: %s\n", name, v.Failed[name])
	}
	for _, name := range sortedKeys(v.Incomplete) {
		fmt.Fprintf(w, "incomplete: %s: %s\n", name, v.Incomplete[name])
	}
	if len(v.Errors) == 0 {
		fmt.Fprintf(w, "%d aliases, %d resolved, %d incomplete destinations, %d policies\n",
			v.Aliases, v.Resolved, len(v.Incomplete), v.Policies)
	}
	return nil
}
