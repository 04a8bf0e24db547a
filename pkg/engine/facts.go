package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/transports/ssh"
	"github.com/rs/zerolog/log"
)

// FactProviderFunc adapts a function to the FactProvider interface.
type FactProviderFunc func(ctx context.Context, server *Server) (Facts, error)

// ResolveFacts calls f(ctx, server).
func (f FactProviderFunc) ResolveFacts(ctx context.Context, server *Server) (Facts, error) {
	return f(ctx, server)
}

// StaticFactProvider serves facts from a fixed table keyed by server name.
// Unknown servers resolve to empty facts.
type StaticFactProvider struct {
	mu    sync.RWMutex
	facts map[string]Facts
}

// NewStaticFactProvider creates a provider over facts. The map is copied.
func NewStaticFactProvider(facts map[string]Facts) *StaticFactProvider {
	p := &StaticFactProvider{facts: make(map[string]Facts, len(facts))}
	for k, v := range facts {
		p.facts[k] = v
	}
	return p
}

// Set replaces the facts for server.
func (p *StaticFactProvider) Set(server string, facts Facts) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.facts[server] = facts
}

// ResolveFacts returns the stored facts for server.
func (p *StaticFactProvider) ResolveFacts(_ context.Context, server *Server) (Facts, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.facts[server.Name], nil
}

// Connector opens a connected transport to a server.
type Connector interface {
	Connect(ctx context.Context, server *Server) (ssh.Transport, error)
}

// SSHConnector connects with the server's own address, port, user and key,
// falling back to Defaults for anything the server does not declare.
type SSHConnector struct {
	Defaults ssh.Config
}

// NewSSHConnector creates a connector with the given defaults.
func NewSSHConnector(defaults ssh.Config) *SSHConnector {
	return &SSHConnector{Defaults: defaults}
}

// Config builds the SSH configuration used for server.
func (c *SSHConnector) Config(server *Server) *ssh.Config {
	cfg := c.Defaults
	cfg.Host = server.Host()
	if server.Port != 0 {
		cfg.Port = server.Port
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if server.User != "" {
		cfg.User = server.User
	}
	if server.KeyPath != "" {
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = server.KeyPath
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = ssh.AuthMethodAgent
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	return &cfg
}

// Connect dials server and returns a connected transport.
func (c *SSHConnector) Connect(ctx context.Context, server *Server) (ssh.Transport, error) {
	client, err := ssh.NewSSHClient(c.Config(server))
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", server.Name, err)
	}
	return client, nil
}

// SSHFactProvider collects operating system facts over SSH.
type SSHFactProvider struct {
	connector Connector
}

// NewSSHFactProvider creates a fact provider using connector.
func NewSSHFactProvider(connector Connector) *SSHFactProvider {
	return &SSHFactProvider{connector: connector}
}

// ResolveFacts connects to server and reads its operating system facts.
func (p *SSHFactProvider) ResolveFacts(ctx context.Context, server *Server) (Facts, error) {
	startTime := time.Now()

	transport, err := p.connector.Connect(ctx, server)
	if err != nil {
		return Facts{}, err
	}
	defer transport.Disconnect()

	osFacts, err := collectOSFacts(ctx, transport)
	if err != nil {
		return Facts{}, err
	}

	log.Info().
		Str("server", server.Name).
		Str("os_name", osFacts.Name).
		Str("os_version", osFacts.Version).
		Dur("duration", time.Since(startTime)).
		Msg("Facts collected")

	return Facts{OS: osFacts}, nil
}

// collectOSFacts reads /etc/os-release and uname output. Only the
// os-release read is required; the rest is best effort.
func collectOSFacts(ctx context.Context, transport ssh.Transport) (OSFacts, error) {
	stdout, _, err := transport.ExecuteCommand(ctx, "cat /etc/os-release 2>/dev/null || cat /usr/lib/os-release")
	if err != nil {
		return OSFacts{}, fmt.Errorf("failed to read os-release: %w", err)
	}
	facts := ParseOSRelease(stdout)

	if stdout, _, err := transport.ExecuteCommand(ctx, "uname -r"); err == nil {
		facts.Kernel = strings.TrimSpace(stdout)
	}
	if stdout, _, err := transport.ExecuteCommand(ctx, "uname -m"); err == nil {
		facts.Arch = strings.TrimSpace(stdout)
	}
	if stdout, _, err := transport.ExecuteCommand(ctx, "hostname"); err == nil {
		facts.Hostname = strings.TrimSpace(stdout)
	}

	return facts, nil
}

// ParseOSRelease extracts NAME and VERSION from os-release content.
// VERSION_ID is used when VERSION is absent.
func ParseOSRelease(content string) OSFacts {
	var facts OSFacts
	var versionID string

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, "\"'")
		switch key {
		case "NAME":
			facts.Name = value
		case "VERSION":
			facts.Version = value
		case "VERSION_ID":
			versionID = value
		}
	}

	if facts.Version == "" {
		facts.Version = versionID
	}
	return facts
}
