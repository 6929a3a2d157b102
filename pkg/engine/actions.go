package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/sitespinner/sitespinner/pkg/alias"
)

// fetchLiveVariables reads the current values of the overridden variables from the
// source site. It has no side effects.
type fetchLiveVariables struct {
	source alias.Database
	names  []string
}

func (a *fetchLiveVariables) Kind() ActionKind { return ActionFetchLiveVariables }

func (a *fetchLiveVariables) Describe() string {
	if len(a.names) == 0 {
		return "no variable overrides; nothing to read"
	}
	return fmt.Sprintf("read %d variable(s) from %s", len(a.names), a.source)
}

func (a *fetchLiveVariables) Apply(ctx context.Context, env *RunEnv) error {
	env.State.LiveVariables = alias.Map{}
	if len(a.names) == 0 {
		return nil
	}
	db, err := env.Backends.Databases.Engine(a.source.Driver)
	if err != nil {
		return err
	}
	vars, err := db.ReadVariables(ctx, a.source, a.names)
	if err != nil {
		return fmt.Errorf("failed to read source variables: %w", err)
	}
	if vars != nil {
		env.State.LiveVariables = vars
	}
	return nil
}

func (a *fetchLiveVariables) Undo(context.Context, *RunEnv) error { return ErrNothingToUndo }

func (a *fetchLiveVariables) Artifacts() []Artifact { return nil }

// copyDatabase dumps the source database and loads it into the destination.
type copyDatabase struct {
	source    alias.Database
	dest      alias.Database
	admin     alias.Credentials
	dumpPath  string
	overwrite bool

	created bool
	reused  bool
}

func (a *copyDatabase) Kind() ActionKind { return ActionCopyDatabase }

func (a *copyDatabase) Describe() string {
	return fmt.Sprintf("copy database %s to %s", a.source, a.dest)
}

func (a *copyDatabase) Apply(ctx context.Context, env *RunEnv) error {
	src, err := env.Backends.Databases.Engine(a.source.Driver)
	if err != nil {
		return err
	}
	dst, err := env.Backends.Databases.Engine(a.dest.Driver)
	if err != nil {
		return err
	}

	exists, err := dst.Exists(ctx, a.dest, a.admin)
	if err != nil {
		return fmt.Errorf("failed to check destination database: %w", err)
	}
	switch {
	case exists && !a.overwrite:
		return NewPermanentError("destination database already exists", nil).
			WithCode(ErrCodeAlreadyExists).
			WithResource(a.dest.Name)
	case exists:
		a.reused = true
		env.Logger.Warn().Str("database", a.dest.Name).Msg("reusing existing destination database")
	default:
		if err := dst.Create(ctx, a.dest, a.admin); err != nil {
			return fmt.Errorf("failed to create destination database: %w", err)
		}
		a.created = true
	}

	if err := a.copy(ctx, src, dst); err != nil {
		if a.created {
			if dropErr := dst.Drop(context.WithoutCancel(ctx), a.dest, a.admin); dropErr != nil {
				return errors.Join(err, fmt.Errorf("failed to drop partially loaded database: %w", dropErr))
			}
			a.created = false
		}
		return err
	}
	return nil
}

func (a *copyDatabase) copy(ctx context.Context, src, dst Database) error {
	if a.dumpPath == "" {
		var buf bytes.Buffer
		if err := src.Dump(ctx, a.source, &buf); err != nil {
			return fmt.Errorf("failed to dump source database: %w", err)
		}
		if err := dst.Load(ctx, a.dest, &buf); err != nil {
			return fmt.Errorf("failed to load destination database: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(path.Dir(a.dumpPath), 0o750); err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}
	f, err := os.Create(a.dumpPath)
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}
	defer f.Close()

	if err := src.Dump(ctx, a.source, f); err != nil {
		return fmt.Errorf("failed to dump source database: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind dump file: %w", err)
	}
	if err := dst.Load(ctx, a.dest, f); err != nil {
		return fmt.Errorf("failed to load destination database: %w", err)
	}
	return nil
}

func (a *copyDatabase) Undo(ctx context.Context, env *RunEnv) error {
	if a.reused {
		return NewPermanentError("destination database existed before the run; contents not restored", nil).
			WithResource(a.dest.Name)
	}
	if !a.created {
		return ErrNothingToUndo
	}
	dst, err := env.Backends.Databases.Engine(a.dest.Driver)
	if err != nil {
		return err
	}
	if err := dst.Drop(ctx, a.dest, a.admin); err != nil {
		return fmt.Errorf("failed to drop destination database: %w", err)
	}
	a.created = false
	return nil
}

func (a *copyDatabase) Artifacts() []Artifact {
	if !a.created && !a.reused {
		return nil
	}
	return []Artifact{{Kind: ArtifactDatabase, Location: a.dest.String()}}
}

// copyFiles copies the source files directory into the destination.
type copyFiles struct {
	source    string
	dest      string
	mode      os.FileMode
	user      string
	group     string
	overwrite bool

	copied    bool
	preserved bool
}

func (a *copyFiles) Kind() ActionKind { return ActionCopyFiles }

func (a *copyFiles) Describe() string {
	return fmt.Sprintf("copy %s to %s (mode %04o)", a.source, a.dest, a.mode)
}

func (a *copyFiles) Apply(ctx context.Context, env *RunEnv) error {
	fs := env.Backends.Files
	empty, err := fs.IsEmptyDir(ctx, a.dest)
	if err != nil {
		return fmt.Errorf("failed to inspect destination files directory: %w", err)
	}
	if !empty {
		if !a.overwrite {
			return NewPermanentError("destination files directory is not empty", nil).
				WithCode(ErrCodeAlreadyExists).
				WithResource(a.dest)
		}
		a.preserved = true
	}

	a.copied = true
	if err := fs.CopyTree(ctx, a.source, a.dest); err != nil {
		err = fmt.Errorf("failed to copy files: %w", err)
		if !a.preserved {
			if rmErr := fs.RemoveTree(context.WithoutCancel(ctx), a.dest); rmErr != nil {
				return errors.Join(err, fmt.Errorf("failed to remove partial copy: %w", rmErr))
			}
			a.copied = false
		}
		return err
	}

	if err := fs.SetPermissions(ctx, a.dest, a.mode); err != nil {
		return fmt.Errorf("failed to set files directory mode: %w", err)
	}
	if a.user != "" || a.group != "" {
		if err := fs.SetOwner(ctx, a.dest, a.user, a.group); err != nil {
			return fmt.Errorf("failed to set files directory owner: %w", err)
		}
	}
	return nil
}

func (a *copyFiles) Undo(ctx context.Context, env *RunEnv) error {
	if !a.copied {
		return ErrNothingToUndo
	}
	if a.preserved {
		return NewPermanentError("files were copied into a non-empty directory; not removed", nil).
			WithResource(a.dest)
	}
	if err := env.Backends.Files.RemoveTree(ctx, a.dest); err != nil {
		return fmt.Errorf("failed to remove copied files: %w", err)
	}
	a.copied = false
	return nil
}

func (a *copyFiles) Artifacts() []Artifact {
	if !a.copied {
		return nil
	}
	return []Artifact{{Kind: ArtifactFiles, Location: a.dest}}
}

// writeSettings renders the settings template for the destination database.
type writeSettings struct {
	template string
	target   string
	db       alias.Database
	mode     os.FileMode
	user     string
	group    string

	written  bool
	previous []byte
}

func (a *writeSettings) Kind() ActionKind { return ActionWriteSettings }

func (a *writeSettings) Describe() string {
	tmpl := a.template
	if tmpl == "" {
		tmpl = "built-in template"
	}
	return fmt.Sprintf("render %s into %s (mode %04o)", tmpl, a.target, a.mode)
}

func (a *writeSettings) Apply(ctx context.Context, env *RunEnv) error {
	fs := env.Backends.Files

	tmpl := []byte(defaultSettingsTemplate)
	if a.template != "" {
		content, err := fs.ReadFile(ctx, a.template)
		if err != nil {
			return fmt.Errorf("failed to read settings template: %w", err)
		}
		tmpl = content
	}
	rendered, err := RenderSettings(tmpl, a.db)
	if err != nil {
		return err
	}

	exists, err := fs.Exists(ctx, a.target)
	if err != nil {
		return fmt.Errorf("failed to inspect settings file: %w", err)
	}
	if exists {
		prev, err := fs.ReadFile(ctx, a.target)
		if err != nil {
			return fmt.Errorf("failed to back up existing settings file: %w", err)
		}
		a.previous = prev
	}

	if err := fs.WriteFile(ctx, a.target, rendered, a.mode); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	a.written = true

	if err := fs.SetPermissions(ctx, a.target, a.mode); err != nil {
		return fmt.Errorf("failed to set settings file mode: %w", err)
	}
	if a.user != "" || a.group != "" {
		if err := fs.SetOwner(ctx, a.target, a.user, a.group); err != nil {
			return fmt.Errorf("failed to set settings file owner: %w", err)
		}
	}
	return nil
}

func (a *writeSettings) Undo(ctx context.Context, env *RunEnv) error {
	if !a.written {
		return ErrNothingToUndo
	}
	fs := env.Backends.Files
	if a.previous != nil {
		if err := fs.WriteFile(ctx, a.target, a.previous, a.mode); err != nil {
			return fmt.Errorf("failed to restore settings file: %w", err)
		}
	} else if err := fs.Remove(ctx, a.target); err != nil {
		return fmt.Errorf("failed to remove settings file: %w", err)
	}
	a.written = false
	return nil
}

func (a *writeSettings) Artifacts() []Artifact {
	if !a.written {
		return nil
	}
	return []Artifact{{Kind: ArtifactSettings, Location: a.target}}
}

// bindDomain registers the destination with the web tier. Undo only takes back
// the parts this run created, so a binding that already existed survives a rollback.
type bindDomain struct {
	req     BindRequest
	created BindParts
}

func (a *bindDomain) Kind() ActionKind { return ActionBindDomain }

func (a *bindDomain) Describe() string {
	if a.req.Binding.Type == "" {
		return "no domain binding configured"
	}
	return fmt.Sprintf("bind %s %q to sites/%s", a.req.Binding.Type, a.req.Binding.Name, a.req.SiteDir)
}

func (a *bindDomain) Apply(ctx context.Context, env *RunEnv) error {
	if a.req.Binding.Type == "" {
		env.State.BoundURI = a.req.URI
		return nil
	}
	res, err := env.Backends.Binder.Bind(ctx, a.req)
	a.created.Entry = a.created.Entry || res.Created.Entry
	a.created.Link = a.created.Link || res.Created.Link
	if err != nil {
		return fmt.Errorf("failed to bind %s %q: %w", a.req.Binding.Type, a.req.Binding.Name, err)
	}
	env.State.BoundURI = res.URI
	return nil
}

func (a *bindDomain) Undo(ctx context.Context, env *RunEnv) error {
	if !a.created.Any() {
		return ErrNothingToUndo
	}
	if err := env.Backends.Binder.Unbind(ctx, a.req, a.created); err != nil {
		return fmt.Errorf("failed to unbind %s %q: %w", a.req.Binding.Type, a.req.Binding.Name, err)
	}
	a.created = BindParts{}
	return nil
}

func (a *bindDomain) Artifacts() []Artifact {
	if !a.created.Any() {
		return nil
	}
	return []Artifact{{Kind: ArtifactBinding, Location: fmt.Sprintf("%s:%s", a.req.Binding.Type, a.req.Binding.Name)}}
}

// applyVariables writes the overlay of live values and overrides to the destination.
type applyVariables struct {
	dest      alias.Database
	overrides alias.Map

	written  []string
	previous alias.Map
}

func (a *applyVariables) Kind() ActionKind { return ActionApplyVariables }

func (a *applyVariables) Describe() string {
	if len(a.overrides) == 0 {
		return "no variable overrides"
	}
	return fmt.Sprintf("write %d variable(s) to %s", len(a.overrides), a.dest)
}

func (a *applyVariables) Apply(ctx context.Context, env *RunEnv) error {
	if len(a.overrides) == 0 {
		return nil
	}
	final := Overlay(env.State.LiveVariables, a.overrides)

	db, err := env.Backends.Databases.Engine(a.dest.Driver)
	if err != nil {
		return err
	}
	names := final.Keys()
	prev, err := db.ReadVariables(ctx, a.dest, names)
	if err != nil {
		return fmt.Errorf("failed to read destination variables: %w", err)
	}
	if err := db.WriteVariables(ctx, a.dest, final); err != nil {
		return fmt.Errorf("failed to write destination variables: %w", err)
	}
	a.previous = prev
	a.written = names
	return nil
}

func (a *applyVariables) Undo(ctx context.Context, env *RunEnv) error {
	if len(a.written) == 0 {
		return ErrNothingToUndo
	}
	db, err := env.Backends.Databases.Engine(a.dest.Driver)
	if err != nil {
		return err
	}

	var added []string
	for _, name := range a.written {
		if _, ok := a.previous[name]; !ok {
			added = append(added, name)
		}
	}
	if len(added) > 0 {
		if err := db.DeleteVariables(ctx, a.dest, added); err != nil {
			return fmt.Errorf("failed to delete written variables: %w", err)
		}
	}
	if len(a.previous) > 0 {
		if err := db.WriteVariables(ctx, a.dest, a.previous); err != nil {
			return fmt.Errorf("failed to restore previous variables: %w", err)
		}
	}
	a.written = nil
	return nil
}

func (a *applyVariables) Artifacts() []Artifact {
	if len(a.written) == 0 {
		return nil
	}
	return []Artifact{{Kind: ArtifactVariables, Location: a.dest.String()}}
}
