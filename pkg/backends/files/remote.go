package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	"github.com/sitespinner/sitespinner/pkg/engine"
	"github.com/sitespinner/sitespinner/pkg/transports/ssh"
)

// Shell is the part of an SSH connection the remote filesystem needs.
type Shell interface {
	Run(ctx context.Context, cmd string) (stdout string, stderr string, err error)
	RunPrivileged(ctx context.Context, cmd string) (stdout string, stderr string, err error)
	SFTP() (*sftp.Client, error)
}

var _ Shell = (*ssh.Client)(nil)

// Remote is the filesystem of a web host reached over SSH. Trees are copied
// and removed by shell commands on the host; single files go over SFTP.
type Remote struct {
	shell  Shell
	logger zerolog.Logger
}

var _ engine.Filesystem = (*Remote)(nil)

// NewRemote returns a filesystem operating through shell.
func NewRemote(shell Shell, logger zerolog.Logger) *Remote {
	return &Remote{
		shell:  shell,
		logger: logger.With().Str("filesystem", "remote").Logger(),
	}
}

func (r *Remote) sftp(ctx context.Context) (*sftp.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.shell.SFTP()
}

// CopyTree runs cp -a on the host so the data never leaves it.
func (r *Remote) CopyTree(ctx context.Context, src, dst string) error {
	cmd := fmt.Sprintf("mkdir -p %s && cp -a %s %s", ssh.Quote(dst), ssh.Quote(src+"/."), ssh.Quote(dst+"/"))
	if _, _, err := r.shell.Run(ctx, cmd); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return nil
}

// RemoveTree removes path recursively.
func (r *Remote) RemoveTree(ctx context.Context, p string) error {
	if _, _, err := r.shell.Run(ctx, "rm -rf -- "+ssh.Quote(p)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	return nil
}

// Remove removes a file or symlink.
func (r *Remote) Remove(ctx context.Context, p string) error {
	client, err := r.sftp(ctx)
	if err != nil {
		return err
	}
	if err := client.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	return nil
}

// SetPermissions changes the mode of path only.
func (r *Remote) SetPermissions(ctx context.Context, p string, mode os.FileMode) error {
	client, err := r.sftp(ctx)
	if err != nil {
		return err
	}
	if err := client.Chmod(p, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", p, err)
	}
	return nil
}

// SetOwner runs chown -R, through sudo when the connection is configured for it.
func (r *Remote) SetOwner(ctx context.Context, p, user, group string) error {
	owner := user
	if group != "" {
		owner += ":" + group
	}
	if owner == "" {
		return nil
	}

	if _, _, err := r.shell.RunPrivileged(ctx, fmt.Sprintf("chown -R %s -- %s", ssh.Quote(owner), ssh.Quote(p))); err != nil {
		return fmt.Errorf("failed to chown %s: %w", p, err)
	}
	return nil
}

// WriteFile uploads content to a temporary name and renames it into place.
func (r *Remote) WriteFile(ctx context.Context, p string, content []byte, mode os.FileMode) error {
	client, err := r.sftp(ctx)
	if err != nil {
		return err
	}

	if err := client.MkdirAll(path.Dir(p)); err != nil {
		return fmt.Errorf("failed to create %s: %w", path.Dir(p), err)
	}

	tmp := path.Join(path.Dir(p), "."+path.Base(p)+".sitespinner")
	f, err := client.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		_ = client.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		_ = client.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", p, err)
	}

	if err := client.Chmod(tmp, mode); err != nil {
		_ = client.Remove(tmp)
		return fmt.Errorf("failed to chmod %s: %w", p, err)
	}
	if err := client.PosixRename(tmp, p); err != nil {
		_ = client.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

// ReadFile downloads path.
func (r *Remote) ReadFile(ctx context.Context, p string) ([]byte, error) {
	client, err := r.sftp(ctx)
	if err != nil {
		return nil, err
	}

	f, err := client.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// Exists reports whether path exists without following a final symlink.
func (r *Remote) Exists(ctx context.Context, p string) (bool, error) {
	client, err := r.sftp(ctx)
	if err != nil {
		return false, err
	}

	_, err = client.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	return true, nil
}

// IsEmptyDir reports whether path is missing or an empty directory.
func (r *Remote) IsEmptyDir(ctx context.Context, p string) (bool, error) {
	client, err := r.sftp(ctx)
	if err != nil {
		return false, err
	}

	entries, err := client.ReadDir(p)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return len(entries) == 0, nil
}

// Symlink creates link pointing at target. An identical existing link is kept.
func (r *Remote) Symlink(ctx context.Context, target, link string) error {
	client, err := r.sftp(ctx)
	if err != nil {
		return err
	}

	if current, err := client.ReadLink(link); err == nil && current == target {
		return nil
	}
	if err := client.Symlink(target, link); err != nil {
		return fmt.Errorf("failed to link %s: %w", link, err)
	}
	return nil
}
