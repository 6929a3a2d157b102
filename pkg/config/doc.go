// Package config reads sitespinner's inputs: alias files and the tool settings.
//
// # Alias files
//
// A Loader turns files into alias.Document values. The file's base name, minus
// an optional ".aliases" suffix, becomes the alias group, so an alias "live" in
// example.aliases.yaml is reachable as "live" and "example.live".
//
// Supported formats:
//
//   - YAML (.yaml, .yml) and JSON (.json): a mapping of alias name to body.
//     ${VAR} references in strings are replaced from the loader's environment;
//     an undefined variable is an error.
//   - CUE (.cue): the fields of the top-level "aliases" struct.
//   - Starlark (.star): the global "aliases" dict. The environment is available
//     as the predeclared dict "env".
//
// Every body is checked against the built-in "alias" CUE schema before it is
// returned. Problems are reported as *LoadError with file and line information
// where the format provides it.
//
//	loader := config.NewLoader(logger, config.WithEnv(config.EnvFromOS()))
//	docs, err := loader.Load(ctx, "aliases/")
//	if err != nil {
//	    return err
//	}
//	store, err := alias.Load(docs...)
//
// Loader.Watch reloads on every change below the given paths and is used by
// "sitespinner validate --watch".
//
// # Settings
//
// LoadSettings reads sitespinner.yaml over DefaultSettings and validates the
// result with go-playground/validator. Relative paths in the file are taken
// relative to the file's directory.
package config
