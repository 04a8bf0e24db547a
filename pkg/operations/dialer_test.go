package operations

import (
	"context"
	"errors"
	"testing"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/openfroyo/seqdeploy/pkg/transports/ssh"
)

type countingConnector struct {
	dialer *mockDialer
}

func (c countingConnector) Connect(ctx context.Context, server *engine.Server) (ssh.Transport, error) {
	return c.dialer.Connect(ctx, server)
}

func TestPool_ReusesConnection(t *testing.T) {
	inner := newMockDialer()
	pool := NewPool(countingConnector{dialer: inner})
	web1 := &engine.Server{Name: "web1"}
	web2 := &engine.Server{Name: "web2"}

	first, err := pool.Connect(context.Background(), web1)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	second, err := pool.Connect(context.Background(), web1)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if first != second {
		t.Error("Expected the same transport to be reused")
	}
	if _, err := pool.Connect(context.Background(), web2); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if inner.connects != 2 {
		t.Errorf("Expected 2 connects, got: %d", inner.connects)
	}
	if pool.Len() != 2 {
		t.Errorf("Expected 2 pooled connections, got: %d", pool.Len())
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if inner.transport("web1").IsConnected() || inner.transport("web2").IsConnected() {
		t.Error("Expected all transports disconnected after Close")
	}
	if pool.Len() != 0 {
		t.Errorf("Expected empty pool, got: %d", pool.Len())
	}
}

func TestPool_ReconnectsDroppedConnection(t *testing.T) {
	inner := newMockDialer()
	pool := NewPool(countingConnector{dialer: inner})
	web1 := &engine.Server{Name: "web1"}

	if _, err := pool.Connect(context.Background(), web1); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	_ = inner.transport("web1").Disconnect()

	inner.transports["web1"] = newMockTransport()
	if _, err := pool.Connect(context.Background(), web1); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if inner.connects != 2 {
		t.Errorf("Expected reconnect, got %d connects", inner.connects)
	}
}

func TestPool_Release(t *testing.T) {
	inner := newMockDialer()
	pool := NewPool(countingConnector{dialer: inner})

	if _, err := pool.Connect(context.Background(), &engine.Server{Name: "web1"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := pool.Release("web1"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if inner.transport("web1").IsConnected() {
		t.Error("Expected transport disconnected after Release")
	}
	if err := pool.Release("unknown"); err != nil {
		t.Errorf("Expected no error releasing unknown server, got: %v", err)
	}
}

func TestPool_ConnectError(t *testing.T) {
	inner := newMockDialer()
	inner.err = errors.New("host unreachable")
	pool := NewPool(countingConnector{dialer: inner})

	if _, err := pool.Connect(context.Background(), &engine.Server{Name: "web1"}); err == nil {
		t.Fatal("Expected connect error")
	}
	if pool.Len() != 0 {
		t.Errorf("Expected no pooled connection, got: %d", pool.Len())
	}
}
