package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sitespinner/sitespinner/pkg/engine"
)

// Local is the filesystem of the machine running sitespinner.
type Local struct {
	workers int
	logger  zerolog.Logger

	// lookupUser and lookupGroup resolve names to ids.
	lookupUser  func(name string) (int, error)
	lookupGroup func(name string) (int, error)
	chown       func(path string, uid, gid int) error
}

var _ engine.Filesystem = (*Local)(nil)

// NewLocal returns a local filesystem copying with up to workers files in flight.
func NewLocal(workers int, logger zerolog.Logger) *Local {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Local{
		workers:     workers,
		logger:      logger.With().Str("filesystem", "local").Logger(),
		lookupUser:  lookupUID,
		lookupGroup: lookupGID,
		chown:       os.Lchown,
	}
}

func lookupUID(name string) (int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

func lookupGID(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}

type copyJob struct {
	src, dst string
	mode     fs.FileMode
}

// CopyTree creates the directory structure first, then copies regular files in
// parallel. Symlinks are recreated, not followed.
func (l *Local) CopyTree(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}

	var jobs []copyJob
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			jobs = append(jobs, copyJob{src: path, dst: target, mode: info.Mode().Perm()})
		default:
			l.logger.Warn().Str("path", path).Msg("skipping special file")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for _, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return copyFile(job)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}

	l.logger.Debug().Str("src", src).Str("dst", dst).Int("files", len(jobs)).Msg("tree copied")
	return nil
}

func copyFile(job copyJob) error {
	in, err := os.Open(job.src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(job.dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, job.mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("%s: %w", job.src, err)
	}
	return out.Close()
}

// RemoveTree removes path recursively.
func (l *Local) RemoveTree(_ context.Context, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Remove removes a file or symlink.
func (l *Local) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// SetPermissions changes the mode of path only.
func (l *Local) SetPermissions(_ context.Context, path string, mode os.FileMode) error {
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	return nil
}

// SetOwner changes the owner of path and, for a directory, of everything below it.
// An empty user or group leaves that id unchanged.
func (l *Local) SetOwner(ctx context.Context, path, userName, groupName string) error {
	uid, gid := -1, -1
	var err error
	if userName != "" {
		if uid, err = l.lookupUser(userName); err != nil {
			return fmt.Errorf("unknown user %q: %w", userName, err)
		}
	}
	if groupName != "" {
		if gid, err = l.lookupGroup(groupName); err != nil {
			return fmt.Errorf("unknown group %q: %w", groupName, err)
		}
	}
	if uid == -1 && gid == -1 {
		return nil
	}

	err = filepath.WalkDir(path, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return l.chown(p, uid, gid)
	})
	if err != nil {
		return fmt.Errorf("failed to chown %s: %w", path, err)
	}
	return nil
}

// WriteFile writes content through a temporary file in the same directory.
func (l *Local) WriteFile(_ context.Context, path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadFile returns the content of path.
func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// Exists reports whether path exists without following a final symlink.
func (l *Local) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return true, nil
}

// IsEmptyDir reports whether path is missing or an empty directory.
func (l *Local) IsEmptyDir(_ context.Context, path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return len(entries) == 0, nil
}

// Symlink creates link pointing at target. An identical existing link is kept.
func (l *Local) Symlink(_ context.Context, target, link string) error {
	if current, err := os.Readlink(link); err == nil && current == target {
		return nil
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("failed to link %s: %w", link, err)
	}
	return nil
}
