package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Run executes cmd on the remote host and returns its trimmed stdout and stderr.
// A non-zero exit status is a permanent TransportError; session failures are temporary.
func (c *Client) Run(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	return c.run(ctx, cmd, false)
}

// RunPrivileged runs cmd through "sudo -n" when the config asks for sudo.
func (c *Client) RunPrivileged(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	return c.run(ctx, cmd, c.config.UseSudo)
}

func (c *Client) run(ctx context.Context, cmd string, useSudo bool) (stdout string, stderr string, err error) {
	startTime := time.Now()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	finalCmd := cmd
	if useSudo {
		finalCmd = "sudo -n " + cmd
	}

	c.logger.Debug().Str("command", finalCmd).Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return "", "", err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(finalCmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())

	c.logger.Debug().
		Str("command", finalCmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(startTime)).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return stdout, stderr, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		return stdout, stderr, &TransportError{
			Op:  "exec",
			Err: fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), stderr),
		}
	}
	if errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded) {
		return stdout, stderr, execErr
	}
	return stdout, stderr, &TransportError{Op: "exec", Err: execErr, IsTemporary: true}
}

// Quote returns s single-quoted for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
