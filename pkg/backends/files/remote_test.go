package files

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	"github.com/sitespinner/sitespinner/pkg/transports/ssh"
	"github.com/sitespinner/sitespinner/pkg/transports/ssh/sshtest"
)

func connectRemote(t *testing.T) *Remote {
	t.Helper()

	server := sshtest.NewServer(t)
	config := ssh.DefaultConfig(server.Host, sshtest.User)
	config.Port = server.Port
	config.AuthMethod = ssh.AuthMethodPassword
	config.Password = sshtest.Password
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second

	client, err := ssh.NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return NewRemote(client, zerolog.Nop())
}

func TestRemoteCopyAndRemoveTree(t *testing.T) {
	ctx := context.Background()
	fs := connectRemote(t)

	src := filepath.Join(t.TempDir(), "files")
	dst := filepath.Join(t.TempDir(), "peace files")
	writeTree(t, src, map[string]string{"logo.png": "png", "css/site.css": "body{}"})

	if err := fs.CopyTree(ctx, src, dst); err != nil {
		t.Fatalf("CopyTree failed: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "css", "site.css"))
	if err != nil || string(got) != "body{}" {
		t.Fatalf("expected copied file, got %q (%v)", got, err)
	}

	if empty, err := fs.IsEmptyDir(ctx, dst); err != nil || empty {
		t.Errorf("IsEmptyDir = %v, %v; want false", empty, err)
	}

	if err := fs.RemoveTree(ctx, dst); err != nil {
		t.Fatalf("RemoveTree failed: %v", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("expected destination to be removed")
	}
	if empty, err := fs.IsEmptyDir(ctx, dst); err != nil || !empty {
		t.Errorf("IsEmptyDir on missing dir = %v, %v; want true", empty, err)
	}
}

func TestRemoteFileOperations(t *testing.T) {
	ctx := context.Background()
	fs := connectRemote(t)
	dir := t.TempDir()
	settings := filepath.Join(dir, "sites", "peace", "settings.php")

	if err := fs.WriteFile(ctx, settings, []byte("<?php\n"), 0o640); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	info, err := os.Stat(settings)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("expected mode 0640, got %o", info.Mode().Perm())
	}

	data, err := fs.ReadFile(ctx, settings)
	if err != nil || string(data) != "<?php\n" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}

	if err := fs.SetPermissions(ctx, settings, 0o600); err != nil {
		t.Fatalf("SetPermissions failed: %v", err)
	}
	info, _ = os.Stat(settings)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %o", info.Mode().Perm())
	}

	exists, err := fs.Exists(ctx, settings)
	if err != nil || !exists {
		t.Errorf("Exists = %v, %v", exists, err)
	}
	exists, err = fs.Exists(ctx, filepath.Join(dir, "missing.php"))
	if err != nil || exists {
		t.Errorf("Exists on missing file = %v, %v", exists, err)
	}

	if err := fs.Remove(ctx, settings); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := fs.Remove(ctx, settings); err != nil {
		t.Errorf("removing a missing file should succeed: %v", err)
	}
}

type recordingShell struct {
	commands   []string
	privileged []string
}

func (s *recordingShell) Run(_ context.Context, cmd string) (string, string, error) {
	s.commands = append(s.commands, cmd)
	return "", "", nil
}

func (s *recordingShell) RunPrivileged(_ context.Context, cmd string) (string, string, error) {
	s.privileged = append(s.privileged, cmd)
	return "", "", nil
}

func (s *recordingShell) SFTP() (*sftp.Client, error) {
	return nil, errors.New("no sftp in this test")
}

func TestRemoteShellCommands(t *testing.T) {
	ctx := context.Background()
	shell := &recordingShell{}
	fs := NewRemote(shell, zerolog.Nop())

	if err := fs.SetOwner(ctx, "/var/www/sites/peace/files", "aegir", "www-data"); err != nil {
		t.Fatalf("SetOwner failed: %v", err)
	}
	if err := fs.SetOwner(ctx, "/var/www/sites/peace/files", "", ""); err != nil {
		t.Fatalf("SetOwner failed: %v", err)
	}
	if len(shell.privileged) != 1 || shell.privileged[0] != "chown -R 'aegir:www-data' -- '/var/www/sites/peace/files'" {
		t.Errorf("unexpected privileged commands: %v", shell.privileged)
	}

	if err := fs.CopyTree(ctx, "/var/www/sites/template/files", "/var/www/sites/peace/files"); err != nil {
		t.Fatalf("CopyTree failed: %v", err)
	}
	if len(shell.commands) != 1 || !strings.Contains(shell.commands[0], "cp -a '/var/www/sites/template/files/.'") {
		t.Errorf("unexpected commands: %v", shell.commands)
	}

	if _, err := fs.ReadFile(ctx, "/etc/hostname"); err == nil {
		t.Error("expected sftp error to surface")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := fs.SetPermissions(cancelled, "/tmp/x", 0o644); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
