// Package ssh connects to deployment targets, runs commands on them and
// copies files to them over SFTP.
package ssh

import (
	"context"
	"time"
)

// Transport is a connection to one server. SSHClient is the only
// production implementation.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	HealthCheck(ctx context.Context) error

	// ExecuteCommand returns trimmed stdout and stderr. A non-zero exit
	// status is reported as a *TransportError carrying the ExitCode.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)
	// ExecuteCommandWithSudo wraps cmd in sudo. An empty password assumes NOPASSWD.
	ExecuteCommandWithSudo(ctx context.Context, cmd string, sudoPassword string) (stdout string, stderr string, err error)

	// UploadFile copies one file, creating parent directories. Mode 0 keeps
	// the server's default permissions.
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) (*FileTransferResult, error)
	UploadDirectory(ctx context.Context, localPath string, remotePath string) (*FileTransferResult, error)
	// ComputeChecksum returns the hex SHA-256 of a remote file.
	ComputeChecksum(ctx context.Context, remotePath string) (string, error)

	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo describes an established connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// FileTransferResult counts what an upload wrote.
type FileTransferResult struct {
	Files            int
	BytesTransferred int64
	Duration         time.Duration
}

// TransportError wraps a failure with the transport step that produced it.
type TransportError struct {
	Op  string // connect, execute, upload, checksum, ...
	Err error

	// ExitCode is the remote exit status of a failed command, -1 otherwise.
	ExitCode    int
	IsTemporary bool
	IsAuthError bool
}

func newTransportError(op string, err error, temporary bool) *TransportError {
	return &TransportError{Op: op, Err: err, ExitCode: -1, IsTemporary: temporary}
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying may succeed.
func (e *TransportError) Temporary() bool { return e.IsTemporary }
