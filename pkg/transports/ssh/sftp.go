package ssh

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// copyBufferSize is the chunk size used between cancellation checks.
const copyBufferSize = 32 * 1024

// UploadFile uploads a single file to the remote host via SFTP. Missing
// parent directories are created.
func (c *SSHClient) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) (*FileTransferResult, error) {
	startTime := time.Now()

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	written, err := c.uploadFile(ctx, sftpClient, localPath, remotePath, mode)
	if err != nil {
		return nil, err
	}

	result := &FileTransferResult{Files: 1, BytesTransferred: written, Duration: time.Since(startTime)}
	log.Info().
		Str("host", c.config.Host).
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("file uploaded successfully")

	return result, nil
}

// UploadDirectory recursively uploads localPath into remotePath, keeping
// relative paths and file permissions.
func (c *SSHClient) UploadDirectory(ctx context.Context, localPath string, remotePath string) (*FileTransferResult, error) {
	startTime := time.Now()

	log.Debug().
		Str("host", c.config.Host).
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("uploading directory")

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	result := &FileTransferResult{}
	err = filepath.Walk(localPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		relPath, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		targetPath := path.Join(remotePath, filepath.ToSlash(relPath))

		if info.IsDir() {
			if err := sftpClient.MkdirAll(targetPath); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", targetPath, err)
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			log.Debug().Str("path", p).Msg("skipping non-regular file")
			return nil
		}

		written, err := c.uploadFile(ctx, sftpClient, p, targetPath, uint32(info.Mode().Perm()))
		if err != nil {
			return fmt.Errorf("failed to upload file %s: %w", p, err)
		}
		result.Files++
		result.BytesTransferred += written
		return nil
	})
	if err != nil {
		return nil, newTransportError("upload-directory", err, false)
	}

	result.Duration = time.Since(startTime)
	log.Info().
		Str("host", c.config.Host).
		Str("local", localPath).
		Str("remote", remotePath).
		Int("files", result.Files).
		Int64("bytes", result.BytesTransferred).
		Dur("duration", result.Duration).
		Msg("directory uploaded successfully")

	return result, nil
}

// ComputeChecksum calculates the SHA256 checksum of a remote file.
func (c *SSHClient) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	stdout, stderr, err := c.ExecuteCommand(ctx, "sha256sum "+ShellQuote(remotePath))
	if err != nil {
		return "", newTransportError("checksum", fmt.Errorf("failed to compute checksum: %s", stderr), false)
	}

	fields := strings.Fields(stdout)
	if len(fields) < 1 {
		return "", newTransportError("checksum", fmt.Errorf("invalid checksum output: %s", stdout), false)
	}

	return fields[0], nil
}

// LocalChecksum calculates the SHA256 checksum of a local file in the same
// format as ComputeChecksum.
func LocalChecksum(localPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

func (c *SSHClient) newSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, newTransportError("sftp-init", fmt.Errorf("failed to create SFTP client: %w", err), true)
	}

	return sftpClient, nil
}

func (c *SSHClient) uploadFile(ctx context.Context, sftpClient *sftp.Client, localPath, remotePath string, mode uint32) (int64, error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return 0, newTransportError("upload", fmt.Errorf("failed to open local file: %w", err), false)
	}
	defer localFile.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, newTransportError("upload", fmt.Errorf("failed to create remote directory: %w", err), false)
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return 0, newTransportError("upload", fmt.Errorf("failed to create remote file: %w", err), true)
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return written, newTransportError("upload", fmt.Errorf("failed to copy file: %w", err), true)
	}

	if mode > 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			log.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
		}
	}

	return written, nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
