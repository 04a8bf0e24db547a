package operations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/openfroyo/seqdeploy/pkg/transports/ssh"
)

// RemoteCommand runs a shell command on the target server.
type RemoteCommand struct {
	Label        string
	Command      string
	Sudo         bool
	SudoPassword string
	Dialer       Dialer
}

var _ engine.Operation = (*RemoteCommand)(nil)

// Name returns the label, or the command itself.
func (c *RemoteCommand) Name() string {
	if c.Label != "" {
		return c.Label
	}
	return "command: " + c.Command
}

// Execute runs the command. A non-zero exit status is a failure; stdout goes to
// the diagnostics output and stderr to the "stderr" detail.
func (c *RemoteCommand) Execute(ctx context.Context, target engine.Target) (*engine.Diagnostics, error) {
	transport, err := dial(ctx, c.Dialer, target, "remote command")
	if err != nil {
		return nil, err
	}

	var stdout, stderr string
	if c.Sudo {
		stdout, stderr, err = transport.ExecuteCommandWithSudo(ctx, c.Command, c.SudoPassword)
	} else {
		stdout, stderr, err = transport.ExecuteCommand(ctx, c.Command)
	}

	diag := engine.NewDiagnostics()
	diag.AddOutput(stdout)
	if stderr != "" {
		diag.Set("stderr", stderr)
	}

	var terr *ssh.TransportError
	if errors.As(err, &terr) && terr.ExitCode >= 0 {
		diag.Set("exit_code", strconv.Itoa(terr.ExitCode))
	} else if err == nil {
		diag.Set("exit_code", "0")
	}

	if err != nil {
		return diag, fmt.Errorf("command %q failed: %w", c.Command, err)
	}
	return diag, nil
}

// UploadFile copies one local file to the target server.
type UploadFile struct {
	Label       string
	Source      string
	Destination string
	Mode        os.FileMode

	// SkipUnchanged compares SHA-256 checksums first and skips the transfer
	// when the remote file already matches.
	SkipUnchanged bool

	Dialer Dialer
}

var _ engine.Operation = (*UploadFile)(nil)

// Name returns the label, or a description of the transfer.
func (u *UploadFile) Name() string {
	if u.Label != "" {
		return u.Label
	}
	return fmt.Sprintf("upload: %s -> %s", u.Source, u.Destination)
}

// Execute uploads the file.
func (u *UploadFile) Execute(ctx context.Context, target engine.Target) (*engine.Diagnostics, error) {
	transport, err := dial(ctx, u.Dialer, target, "upload")
	if err != nil {
		return nil, err
	}

	diag := engine.NewDiagnostics()

	if u.SkipUnchanged {
		local, err := ssh.LocalChecksum(u.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to checksum %s: %w", u.Source, err)
		}
		diag.Set("checksum", local)

		remote, err := transport.ComputeChecksum(ctx, u.Destination)
		if err == nil && remote == local {
			diag.Set("changed", "false")
			return diag, nil
		}
	}

	result, err := transport.UploadFile(ctx, u.Source, u.Destination, uint32(u.Mode.Perm()))
	if err != nil {
		return diag, fmt.Errorf("failed to upload %s: %w", u.Source, err)
	}

	diag.Set("changed", "true")
	diag.Set("bytes", strconv.FormatInt(result.BytesTransferred, 10))
	return diag, nil
}

// SyncDirectory copies a local directory tree to the target server.
type SyncDirectory struct {
	Label       string
	Source      string
	Destination string
	Dialer      Dialer
}

var _ engine.Operation = (*SyncDirectory)(nil)

// Name returns the label, or a description of the transfer.
func (s *SyncDirectory) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return fmt.Sprintf("sync: %s -> %s", s.Source, s.Destination)
}

// Execute uploads every regular file under Source.
func (s *SyncDirectory) Execute(ctx context.Context, target engine.Target) (*engine.Diagnostics, error) {
	transport, err := dial(ctx, s.Dialer, target, "sync")
	if err != nil {
		return nil, err
	}

	result, err := transport.UploadDirectory(ctx, s.Source, s.Destination)
	if err != nil {
		return nil, fmt.Errorf("failed to sync %s: %w", s.Source, err)
	}

	diag := engine.NewDiagnostics()
	diag.Set("files", strconv.Itoa(result.Files))
	diag.Set("bytes", strconv.FormatInt(result.BytesTransferred, 10))
	return diag, nil
}
