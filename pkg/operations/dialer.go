package operations

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/openfroyo/seqdeploy/pkg/transports/ssh"
	"github.com/rs/zerolog/log"
)

// Dialer hands out connected transports. Transports returned by a Dialer stay
// owned by it; operations never disconnect them.
type Dialer interface {
	Connect(ctx context.Context, server *engine.Server) (ssh.Transport, error)
}

// Pool is a Dialer that keeps one connection per server and reuses it across
// operations. Close disconnects everything.
type Pool struct {
	connector engine.Connector

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	mu        sync.Mutex
	transport ssh.Transport
}

var _ Dialer = (*Pool)(nil)

// NewPool creates a pool that opens connections with connector.
func NewPool(connector engine.Connector) *Pool {
	return &Pool{
		connector: connector,
		entries:   make(map[string]*poolEntry),
	}
}

func (p *Pool) entry(server string) *poolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[server]
	if !ok {
		e = &poolEntry{}
		p.entries[server] = e
	}
	return e
}

// Connect returns the cached transport for server, reconnecting if the cached
// one has dropped. Connections to different servers are opened concurrently.
func (p *Pool) Connect(ctx context.Context, server *engine.Server) (ssh.Transport, error) {
	e := p.entry(server.Name)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transport != nil {
		if e.transport.IsConnected() {
			return e.transport, nil
		}
		_ = e.transport.Disconnect()
		e.transport = nil
	}

	t, err := p.connector.Connect(ctx, server)
	if err != nil {
		return nil, err
	}
	e.transport = t

	log.Debug().Str("component", "operations").Str("server", server.Name).Msg("Connection opened")
	return t, nil
}

// Release disconnects and forgets the connection to server, if any.
func (p *Pool) Release(server string) error {
	p.mu.Lock()
	e, ok := p.entries[server]
	delete(p.entries, server)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return e.close()
}

// Close disconnects every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	var firstErr error
	for name, e := range entries {
		if err := e.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to disconnect %s: %w", name, err)
		}
	}
	return firstErr
}

// Len returns the number of open pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.transport != nil {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (e *poolEntry) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transport == nil {
		return nil
	}
	err := e.transport.Disconnect()
	e.transport = nil
	return err
}

func dial(ctx context.Context, d Dialer, target engine.Target, kind string) (ssh.Transport, error) {
	if target.IsLocal() {
		return nil, fmt.Errorf("%s requires a server target", kind)
	}
	if d == nil {
		return nil, fmt.Errorf("%s has no dialer configured", kind)
	}
	return d.Connect(ctx, target.Server)
}
