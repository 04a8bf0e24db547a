package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.yaml")
	if err := os.WriteFile(path, []byte("name: web\nservers: [{name: a}]\n"), 0o644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}

	loader, err := NewLoader()
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Manifest, 16)
	done := make(chan error, 1)
	go func() {
		done <- NewWatcher(loader, path).WithDebounce(20*time.Millisecond).Run(ctx, func(m *Manifest, err error) {
			if err == nil {
				reloaded <- m
			}
		})
	}()

	updated := []byte("name: web\nservers: [{name: a}, {name: b}]\n")
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case m := <-reloaded:
			if len(m.Servers) != 2 {
				t.Fatalf("Expected reloaded manifest with 2 servers, got: %d", len(m.Servers))
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Expected clean shutdown, got: %v", err)
			}
			return
		case <-ticker.C:
			if err := os.WriteFile(path, updated, 0o644); err != nil {
				t.Fatalf("Failed to update manifest: %v", err)
			}
		case <-deadline:
			t.Fatal("Timed out waiting for reload")
		}
	}
}

func TestWatcher_ReportsInvalidManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.yaml")
	if err := os.WriteFile(path, []byte("name: web\nservers: [{name: a}]\n"), 0o644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}

	loader, err := NewLoader()
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failures := make(chan error, 16)
	go func() {
		_ = NewWatcher(loader, path).WithDebounce(20*time.Millisecond).Run(ctx, func(_ *Manifest, err error) {
			if err != nil {
				failures <- err
			}
		})
	}()

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-failures:
			return
		case <-ticker.C:
			if err := os.WriteFile(path, []byte("name: web\nservers: []\n"), 0o644); err != nil {
				t.Fatalf("Failed to update manifest: %v", err)
			}
		case <-deadline:
			t.Fatal("Timed out waiting for reload failure")
		}
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	loader, err := NewLoader()
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	w := NewWatcher(loader, filepath.Join(t.TempDir(), "missing", "deploy.yaml"))
	if err := w.Run(context.Background(), func(*Manifest, error) {}); err == nil {
		t.Error("Expected error watching a missing directory")
	}
}
