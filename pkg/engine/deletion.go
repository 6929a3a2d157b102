package engine

import (
	"context"
	"fmt"

	"github.com/sitespinner/sitespinner/pkg/alias"
)

// Deletion steps run to completion regardless of earlier failures; each keeps its target
// in Artifacts until it has been removed so the report can list what is left.

type unbindDomain struct {
	req  BindRequest
	done bool
}

func (s *unbindDomain) Kind() ActionKind { return ActionUnbindDomain }

func (s *unbindDomain) Describe() string {
	if s.req.Binding.Type == "" {
		return "no domain binding configured"
	}
	return fmt.Sprintf("unbind %s %q", s.req.Binding.Type, s.req.Binding.Name)
}

func (s *unbindDomain) Apply(ctx context.Context, env *RunEnv) error {
	if s.req.Binding.Type != "" {
		if err := env.Backends.Binder.Unbind(ctx, s.req, AllBindParts); err != nil {
			return fmt.Errorf("failed to unbind: %w", err)
		}
	}
	s.done = true
	return nil
}

func (s *unbindDomain) Undo(context.Context, *RunEnv) error { return ErrNothingToUndo }

func (s *unbindDomain) Artifacts() []Artifact {
	if s.done || s.req.Binding.Type == "" {
		return nil
	}
	return []Artifact{{Kind: ArtifactBinding, Location: fmt.Sprintf("%s:%s", s.req.Binding.Type, s.req.Binding.Name)}}
}

type removeSettings struct {
	target  string
	siteDir string
	done    bool
}

func (s *removeSettings) Kind() ActionKind { return ActionRemoveSettings }

func (s *removeSettings) Describe() string {
	if s.siteDir != "" {
		return fmt.Sprintf("remove %s and site directory %s", s.target, s.siteDir)
	}
	return fmt.Sprintf("remove %s", s.target)
}

func (s *removeSettings) Apply(ctx context.Context, env *RunEnv) error {
	fs := env.Backends.Files
	if err := fs.Remove(ctx, s.target); err != nil {
		return fmt.Errorf("failed to remove settings file: %w", err)
	}
	if s.siteDir != "" {
		if err := fs.RemoveTree(ctx, s.siteDir); err != nil {
			return fmt.Errorf("failed to remove site directory: %w", err)
		}
	}
	s.done = true
	return nil
}

func (s *removeSettings) Undo(context.Context, *RunEnv) error { return ErrNothingToUndo }

func (s *removeSettings) Artifacts() []Artifact {
	if s.done {
		return nil
	}
	return []Artifact{{Kind: ArtifactSettings, Location: s.target}}
}

type removeFiles struct {
	dir  string
	done bool
}

func (s *removeFiles) Kind() ActionKind { return ActionRemoveFiles }

func (s *removeFiles) Describe() string { return fmt.Sprintf("remove %s", s.dir) }

func (s *removeFiles) Apply(ctx context.Context, env *RunEnv) error {
	if err := env.Backends.Files.RemoveTree(ctx, s.dir); err != nil {
		return fmt.Errorf("failed to remove files directory: %w", err)
	}
	s.done = true
	return nil
}

func (s *removeFiles) Undo(context.Context, *RunEnv) error { return ErrNothingToUndo }

func (s *removeFiles) Artifacts() []Artifact {
	if s.done {
		return nil
	}
	return []Artifact{{Kind: ArtifactFiles, Location: s.dir}}
}

type dropDatabase struct {
	db    alias.Database
	admin alias.Credentials
	done  bool
}

func (s *dropDatabase) Kind() ActionKind { return ActionDropDatabase }

func (s *dropDatabase) Describe() string { return fmt.Sprintf("drop database %s", s.db) }

func (s *dropDatabase) Apply(ctx context.Context, env *RunEnv) error {
	engine, err := env.Backends.Databases.Engine(s.db.Driver)
	if err != nil {
		return err
	}
	exists, err := engine.Exists(ctx, s.db, s.admin)
	if err != nil {
		return fmt.Errorf("failed to check database: %w", err)
	}
	if exists {
		if err := engine.Drop(ctx, s.db, s.admin); err != nil {
			return fmt.Errorf("failed to drop database: %w", err)
		}
	} else {
		env.Logger.Info().Str("database", s.db.Name).Msg("database already absent")
	}
	s.done = true
	return nil
}

func (s *dropDatabase) Undo(context.Context, *RunEnv) error { return ErrNothingToUndo }

func (s *dropDatabase) Artifacts() []Artifact {
	if s.done {
		return nil
	}
	return []Artifact{{Kind: ArtifactDatabase, Location: s.db.String()}}
}
