package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// killGrace is how long a cancelled command gets between SIGTERM and SIGKILL.
const killGrace = 100 * time.Millisecond

// drainTimeout bounds the wait for a cancelled session to stop writing output.
const drainTimeout = 5 * time.Second

// ExecuteCommand runs a command on the remote host.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	return c.execute(ctx, cmd, false, "")
}

// ExecuteCommandWithSudo runs a command with sudo privileges. The password,
// when given, is written to sudo's stdin and never appears on a command line.
func (c *SSHClient) ExecuteCommandWithSudo(ctx context.Context, cmd string, sudoPassword string) (stdout string, stderr string, err error) {
	return c.execute(ctx, cmd, true, sudoPassword)
}

func (c *SSHClient) execute(ctx context.Context, cmd string, useSudo bool, sudoPassword string) (stdout string, stderr string, err error) {
	startTime := time.Now()

	op := "execute"
	if useSudo {
		op = "execute-sudo"
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Bool("sudo", useSudo).
		Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return "", "", err
	}

	if _, ok := ctx.Deadline(); !ok && c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return "", "", newTransportError(op, fmt.Errorf("failed to create session: %w", err), true)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	finalCmd := cmd
	if useSudo {
		if sudoPassword != "" {
			session.Stdin = strings.NewReader(sudoPassword + "\n")
			finalCmd = "sudo -S -p '' " + cmd
		} else {
			finalCmd = "sudo -n " + cmd
		}
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(finalCmd)
	}()

	var execErr error
	drained := true
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(killGrace)
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		// The output buffers are only safe to read once Run has returned.
		select {
		case <-doneChan:
		case <-time.After(drainTimeout):
			drained = false
		}
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	if drained {
		stdout = strings.TrimSpace(stdoutBuf.String())
		stderr = strings.TrimSpace(stderrBuf.String())
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
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
		msg := stderr
		if msg == "" {
			msg = "no output"
		}
		return stdout, stderr, &TransportError{
			Op:       op,
			Err:      fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), msg),
			ExitCode: exitErr.ExitStatus(),
		}
	}

	return stdout, stderr, newTransportError(op, execErr, true)
}
