package operations

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/openfroyo/seqdeploy/pkg/transports/ssh"
)

// mockTransport records calls and answers from tables.
type mockTransport struct {
	mu           sync.Mutex
	calls        []string
	stdout       map[string]string
	stderr       map[string]string
	exitCodes    map[string]int
	checksums    map[string]string
	uploadErr    error
	disconnected bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		stdout:    make(map[string]string),
		stderr:    make(map[string]string),
		exitCodes: make(map[string]int),
		checksums: make(map[string]string),
	}
}

func (m *mockTransport) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockTransport) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockTransport) Connect(ctx context.Context) error { return nil }

func (m *mockTransport) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	return nil
}

func (m *mockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.disconnected
}

func (m *mockTransport) HealthCheck(ctx context.Context) error { return nil }

func (m *mockTransport) ExecuteCommand(ctx context.Context, cmd string) (string, string, error) {
	m.record("exec:" + cmd)
	return m.result(cmd)
}

func (m *mockTransport) ExecuteCommandWithSudo(ctx context.Context, cmd, password string) (string, string, error) {
	m.record("sudo:" + cmd + ":" + password)
	return m.result(cmd)
}

func (m *mockTransport) result(cmd string) (string, string, error) {
	stdout, stderr := m.stdout[cmd], m.stderr[cmd]
	if code, ok := m.exitCodes[cmd]; ok {
		return stdout, stderr, &ssh.TransportError{
			Op:       "execute",
			Err:      fmt.Errorf("command exited with code %d: %s", code, stderr),
			ExitCode: code,
		}
	}
	return stdout, stderr, nil
}

func (m *mockTransport) UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) (*ssh.FileTransferResult, error) {
	m.record(fmt.Sprintf("upload:%s:%s:%o", localPath, remotePath, mode))
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	return &ssh.FileTransferResult{Files: 1, BytesTransferred: 42}, nil
}

func (m *mockTransport) UploadDirectory(ctx context.Context, localPath, remotePath string) (*ssh.FileTransferResult, error) {
	m.record(fmt.Sprintf("sync:%s:%s", localPath, remotePath))
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	return &ssh.FileTransferResult{Files: 3, BytesTransferred: 1024}, nil
}

func (m *mockTransport) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	m.record("checksum:" + remotePath)
	sum, ok := m.checksums[remotePath]
	if !ok {
		return "", fmt.Errorf("no such file: %s", remotePath)
	}
	return sum, nil
}

func (m *mockTransport) GetConnectionInfo() ssh.ConnectionInfo {
	return ssh.ConnectionInfo{ConnectedAt: time.Now()}
}

// mockDialer hands out one transport per server and counts connects.
type mockDialer struct {
	mu         sync.Mutex
	transports map[string]*mockTransport
	connects   int
	err        error
}

func newMockDialer() *mockDialer {
	return &mockDialer{transports: make(map[string]*mockTransport)}
}

func (d *mockDialer) transport(server string) *mockTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.transports[server]
	if !ok {
		t = newMockTransport()
		d.transports[server] = t
	}
	return t
}

func (d *mockDialer) Connect(ctx context.Context, server *engine.Server) (ssh.Transport, error) {
	d.mu.Lock()
	d.connects++
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.transport(server.Name), nil
}

func serverTarget(name string) engine.Target {
	return engine.Target{Server: &engine.Server{Name: name, Address: "10.0.0.1"}}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
