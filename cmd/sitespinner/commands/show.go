package commands

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sitespinner/sitespinner/pkg/alias"
)

const redacted = "********"

func newShowCommand(opts *globalOptions) *cobra.Command {
	var (
		showSecrets bool
		chainOnly   bool
	)

	cmd := &cobra.Command{
		Use:   "show <alias>",
		Short: "Print an alias with its parents merged in",
		Long: `Resolve an alias and print the flattened document.

Passwords are masked unless --show-secrets is given.`,
		Example: `  # Show the flattened alias as YAML
  sitespinner show @example.new

  # Show the inheritance chain
  sitespinner show example.new --chain`,
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
			resolved, err := a.resolve(resolver, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if chainOnly {
				if opts.jsonOutput {
					return writeJSON(out, resolved.Chain)
				}
				fmt.Fprintln(out, strings.Join(resolved.Chain, " -> "))
				return nil
			}

			doc := resolved.Doc
			if !showSecrets {
				doc = redact(doc)
			}
			native := alias.ToNative(doc)
			if opts.jsonOutput {
				return writeJSON(out, native)
			}
			data, err := yaml.Marshal(native)
			if err != nil {
				return fmt.Errorf("failed to encode alias: %w", err)
			}
			fmt.Fprintf(out, "# %s\n", resolved.Name)
			_, err = out.Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print passwords in clear text")
	cmd.Flags().BoolVar(&chainOnly, "chain", false, "print only the inheritance chain, root ancestor first")

	return cmd
}

// redact returns a copy of doc with every password and db-url password masked.
func redact(doc alias.Map) alias.Map {
	out := doc.Clone()
	redactMap(out)
	return out
}

func redactMap(m alias.Map) {
	for k, v := range m {
		switch t := v.(type) {
		case alias.Map:
			redactMap(t)
		case alias.Scalar:
			switch {
			case k == "password" && t.String() != "":
				m[k] = alias.Scalar{V: redacted}
			case k == alias.KeyDBURL:
				if u, err := url.Parse(t.String()); err == nil && u.User != nil {
					if _, ok := u.User.Password(); ok {
						u.User = url.UserPassword(u.User.Username(), redacted)
						m[k] = alias.Scalar{V: u.String()}
					}
				}
			}
		}
	}
}
