package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements the Transport interface over a single SSH connection.
type SSHClient struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	agentConn   io.Closer
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

var _ Transport = (*SSHClient)(nil)

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if config == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{config: config}, nil
}

// Connect establishes an SSH connection to the remote host. An existing
// healthy connection is reused.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, agentConn, err := c.config.buildClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, ExitCode: -1, IsAuthError: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		closeQuietly(agentConn)
		return newTransportError("connect", err, true)
	}

	// The handshake does not observe ctx, so bound it by the connection deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	} else {
		_ = netConn.SetDeadline(time.Now().Add(c.config.ConnectionTimeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	if err != nil {
		_ = netConn.Close()
		closeQuietly(agentConn)
		return &TransportError{Op: "connect", Err: err, ExitCode: -1, IsTemporary: true, IsAuthError: isAuthFailure(err)}
	}
	_ = netConn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.agentConn = agentConn
	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}

	log.Info().Str("address", address).Str("user", c.config.User).Msg("SSH connection established")
	return nil
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	if err := c.closeLocked(); err != nil {
		return newTransportError("disconnect", err, false)
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	closeQuietly(c.agentConn)
	c.client = nil
	c.agentConn = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return newTransportError("healthcheck", fmt.Errorf("not connected"), false)
	}

	return c.healthCheckInternal()
}

// healthCheckInternal runs "true" in a fresh session. Callers hold connMu.
func (c *SSHClient) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return newTransportError("healthcheck", err, true)
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return newTransportError("healthcheck", err, true)
	}

	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed or too
// many consecutive requests fail.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Str("host", c.config.Host).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// getClient returns the underlying SSH client for sessions and SFTP.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	client, connected := c.client, c.isConnected
	c.connMu.RUnlock()

	if !connected || client == nil {
		return nil, newTransportError("get-client", fmt.Errorf("not connected"), false)
	}

	c.touch()
	return client, nil
}

func (c *SSHClient) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
