package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sitespinner/sitespinner/pkg/alias"
)

// NamedBody is one alias as decoded from a file, before conversion to alias.Map.
type NamedBody struct {
	Name string
	Body interface{}
}

// Loader reads alias documents from files and directories.
type Loader struct {
	env     map[string]string
	cue     *CUEParser
	star    *StarlarkEvaluator
	schemas *SchemaRegistry
	logger  zerolog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithEnv sets the variables available to ${VAR} expansion and to Starlark's env dict.
func WithEnv(env map[string]string) LoaderOption {
	return func(l *Loader) {
		l.env = env
	}
}

// WithStarlarkTimeout bounds the run time of each Starlark alias file.
func WithStarlarkTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.star = NewStarlarkEvaluator(d)
	}
}

// WithSchemas replaces the schema registry used to check alias bodies.
func WithSchemas(sr *SchemaRegistry) LoaderOption {
	return func(l *Loader) {
		l.schemas = sr
	}
}

// NewLoader creates a loader. Without WithEnv no variables are defined.
func NewLoader(logger zerolog.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{
		env:     map[string]string{},
		cue:     NewCUEParser(),
		star:    NewStarlarkEvaluator(0),
		schemas: NewSchemaRegistry(),
		logger:  logger.With().Str("component", "alias-loader").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EnvFromOS returns the process environment as a map, for WithEnv.
func EnvFromOS() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// Discover expands paths into the sorted list of alias files they contain.
// Directories are walked recursively; hidden entries are skipped.
func Discover(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to stat alias path %s: %w", root, err)
		}
		if !info.IsDir() {
			if _, ok := formatFor(filepath.Ext(root)); !ok {
				return nil, fmt.Errorf("unsupported alias file %s", root)
			}
			add(root)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path != root && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if _, ok := formatFor(filepath.Ext(path)); ok {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk alias path %s: %w", root, err)
		}
	}

	sort.Strings(files)
	return files, nil
}

// Load discovers and reads every alias file below paths. Files are read in sorted
// order, so documents come back deterministically.
func (l *Loader) Load(ctx context.Context, paths ...string) ([]alias.Document, error) {
	files, err := Discover(paths)
	if err != nil {
		return nil, err
	}

	var docs []alias.Document
	for _, f := range files {
		fileDocs, err := l.LoadFile(ctx, f)
		if err != nil {
			return nil, err
		}
		docs = append(docs, fileDocs...)
	}

	l.logger.Debug().
		Int("files", len(files)).
		Int("aliases", len(docs)).
		Msg("Alias files loaded")
	return docs, nil
}

// LoadFile reads one alias file.
func (l *Loader) LoadFile(ctx context.Context, path string) ([]alias.Document, error) {
	format, ok := formatFor(filepath.Ext(path))
	if !ok {
		return nil, fmt.Errorf("unsupported alias file %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read alias file %s: %w", path, err)
	}
	return l.Parse(ctx, path, format, data)
}

// Parse decodes alias source in the given format. filename provides the alias
// group and is used in error messages.
func (l *Loader) Parse(ctx context.Context, filename string, format Format, data []byte) ([]alias.Document, error) {
	var (
		bodies []NamedBody
		err    error
	)
	switch format {
	case FormatYAML, FormatJSON:
		bodies, err = l.parseYAML(filename, data)
	case FormatCUE:
		bodies, err = l.cue.Parse(ctx, filename, data)
	case FormatStarlark:
		bodies, err = l.parseStarlark(ctx, filename, data)
	default:
		return nil, fmt.Errorf("unsupported alias format %q", format)
	}
	if err != nil {
		return nil, err
	}

	group := GroupName(filename)
	docs := make([]alias.Document, 0, len(bodies))
	var problems []ValidationError
	for _, nb := range bodies {
		if err := l.schemas.ValidateAgainstSchema(ctx, SchemaAlias, nb.Body); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			for _, ve := range l.cue.convertCUEErrors(err) {
				ve.File = filename
				ve.Line, ve.Column = 0, 0
				ve.Path = joinPath(nb.Name, ve.Path)
				problems = append(problems, ve)
			}
			continue
		}
		body, err := alias.MapFromNative(nb.Body)
		if err != nil {
			problems = append(problems, ValidationError{
				File:     filename,
				Path:     nb.Name,
				Message:  err.Error(),
				Severity: "error",
			})
			continue
		}
		docs = append(docs, alias.Document{
			Name:   nb.Name,
			Group:  group,
			Origin: filename,
			Body:   body,
		})
	}
	if len(problems) > 0 {
		return nil, &LoadError{File: filename, Errors: problems}
	}
	return docs, nil
}

func joinPath(name, path string) string {
	if path == "" {
		return name
	}
	return name + "." + path
}

// GroupName derives the alias group from a file name:
// "/etc/drush/example.aliases.yaml" and "example.yml" both give "example".
func GroupName(filename string) string {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.TrimSuffix(base, ".aliases")
	return base
}

// parseYAML reads a mapping of alias name to body. JSON is read the same way.
func (l *Loader) parseYAML(filename string, data []byte) ([]NamedBody, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &LoadError{File: filename, Errors: []ValidationError{yamlError(filename, err)}}
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, &LoadError{File: filename, Errors: []ValidationError{{
			File:     filename,
			Line:     doc.Line,
			Column:   doc.Column,
			Message:  "alias file must be a mapping of alias names",
			Severity: "error",
		}}}
	}

	var (
		out      []NamedBody
		problems []ValidationError
	)
	keepOctalLiterals(doc)
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, value := doc.Content[i], doc.Content[i+1]

		var body interface{}
		if err := value.Decode(&body); err != nil {
			problems = append(problems, ValidationError{
				File: filename, Line: value.Line, Column: value.Column,
				Path: key.Value, Message: err.Error(), Severity: "error",
			})
			continue
		}

		expanded, missing := expandEnv(body, l.env)
		for _, name := range missing {
			problems = append(problems, ValidationError{
				File: filename, Line: value.Line, Column: value.Column,
				Path:     key.Value,
				Message:  fmt.Sprintf("undefined variable ${%s}", name),
				Severity: "error",
			})
		}
		out = append(out, NamedBody{Name: key.Value, Body: expanded})
	}
	if len(problems) > 0 {
		return nil, &LoadError{File: filename, Errors: problems}
	}
	return out, nil
}

var octalLiteral = regexp.MustCompile(`^0o?[0-7]+$`)

// keepOctalLiterals retags integers written as 0640 or 0o640 as strings so
// permission modes keep the digits the author typed instead of their decimal value.
func keepOctalLiterals(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!int" && len(n.Value) > 1 && octalLiteral.MatchString(n.Value) {
		n.Tag = "!!str"
		return
	}
	for _, c := range n.Content {
		keepOctalLiterals(c)
	}
}

func yamlError(filename string, err error) ValidationError {
	return ValidationError{File: filename, Message: err.Error(), Severity: "error"}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} in every string of v. A bare "$" is left alone. Names absent from env
// are returned, sorted and deduplicated.
func expandEnv(v interface{}, env map[string]string) (interface{}, []string) {
	missing := make(map[string]bool)
	out := expandValue(v, env, missing)
	if len(missing) == 0 {
		return out, nil
	}
	names := make([]string, 0, len(missing))
	for n := range missing {
		names = append(names, n)
	}
	sort.Strings(names)
	return out, names
}

func expandValue(v interface{}, env map[string]string, missing map[string]bool) interface{} {
	switch t := v.(type) {
	case string:
		return envRef.ReplaceAllStringFunc(t, func(ref string) string {
			name := ref[2 : len(ref)-1]
			val, ok := env[name]
			if !ok {
				missing[name] = true
			}
			return val
		})
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = expandValue(item, env, missing)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = expandValue(item, env, missing)
		}
		return out
	default:
		return v
	}
}

// parseStarlark runs the script with env predeclared and reads its "aliases" dict.
func (l *Loader) parseStarlark(ctx context.Context, filename string, data []byte) ([]NamedBody, error) {
	env := make(map[string]interface{}, len(l.env))
	for k, v := range l.env {
		env[k] = v
	}

	result, err := l.star.Evaluate(ctx, filename, string(data), map[string]interface{}{"env": env})
	if err != nil {
		return nil, &LoadError{File: filename, Errors: []ValidationError{{
			File: filename, Message: err.Error(), Severity: "error",
		}}}
	}

	raw, ok := result.Output["aliases"]
	if !ok {
		return nil, &LoadError{File: filename, Errors: []ValidationError{{
			File: filename, Message: `no "aliases" dict defined`, Severity: "error",
		}}}
	}
	aliases, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &LoadError{File: filename, Errors: []ValidationError{{
			File: filename, Path: "aliases",
			Message:  fmt.Sprintf("expected a dict, got %T", raw),
			Severity: "error",
		}}}
	}

	names := make([]string, 0, len(aliases))
	for name := range aliases {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]NamedBody, 0, len(names))
	for _, name := range names {
		out = append(out, NamedBody{Name: name, Body: aliases[name]})
	}
	return out, nil
}
