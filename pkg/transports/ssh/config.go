package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates to a server.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
	AuthMethodAgent    AuthMethod = "agent" // SSH_AUTH_SOCK or AgentSocket
)

// defaultKeyNames are tried in order under ~/.ssh when key authentication
// has no explicit key path.
var defaultKeyNames = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// Config describes how to reach one deployment target.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod           AuthMethod
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string
	AgentSocket          string

	// KnownHostsPath is consulted only with StrictHostKeyChecking; otherwise
	// any host key is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration
	CommandTimeout    time.Duration

	// KeepAliveInterval of 0 disables keep-alives. The connection is
	// considered dead after MaxKeepAliveRetries consecutive failures.
	KeepAliveInterval   time.Duration
	MaxKeepAliveRetries int
}

// DefaultConfig returns key-authenticated settings for user@host on port 22
// with known_hosts checking.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        5 * time.Minute,
		MaxKeepAliveRetries:   3,
	}
}

// Validate checks the configuration. Key authentication without a key path
// falls back to the first default key found, which is written back to
// PrivateKeyPath.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return errors.New("user is required")
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if c.ConnectionTimeout <= 0 {
		return errors.New("connection timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return errors.New("command timeout must be positive")
	}
	return nil
}

func (c *Config) validateAuth() error {
	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			if c.PrivateKeyPath = findDefaultKey(); c.PrivateKeyPath == "" {
				return errors.New("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if c.agentSocket() == "" {
			return errors.New("agent authentication requires SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
	return nil
}

func findDefaultKey() string {
	dir := filepath.Join(os.Getenv("HOME"), ".ssh")
	for _, name := range defaultKeyNames {
		if p := filepath.Join(dir, name); fileExists(p) {
			return p
		}
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (c *Config) agentSocket() string {
	if c.AgentSocket != "" {
		return c.AgentSocket
	}
	return os.Getenv("SSH_AUTH_SOCK")
}

// buildClientConfig creates the x/crypto client config. The returned closer
// is the agent connection when agent authentication is used and must be
// closed with the client.
func (c *Config) buildClientConfig() (*ssh.ClientConfig, io.Closer, error) {
	auth, closer, err := c.authMethods()
	if err != nil {
		return nil, nil, err
	}

	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, closer, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, io.Closer, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Many servers only prompt for passwords through keyboard-interactive.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil, nil

	case AuthMethodKey:
		signer, err := c.loadSigner()
		if err != nil {
			return nil, nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil, nil

	case AuthMethodAgent:
		conn, err := net.Dial("unix", c.agentSocket())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, conn, nil
	}
	return nil, nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
}

func (c *Config) loadSigner() (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	var signer ssh.Signer
	if c.PrivateKeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(c.PrivateKeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pemBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", c.PrivateKeyPath, err)
	}
	return signer, nil
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking || c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// Address returns host:port, bracketing IPv6 hosts.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
