package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultDebounce = 500 * time.Millisecond

// ReloadFunc receives the result of reloading a changed manifest.
type ReloadFunc func(m *Manifest, err error)

// Watcher reloads a manifest whenever its file changes.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	logger   zerolog.Logger
}

// NewWatcher creates a watcher for the manifest at path.
func NewWatcher(loader *Loader, path string) *Watcher {
	return &Watcher{
		loader:   loader,
		path:     filepath.Clean(path),
		debounce: defaultDebounce,
		logger:   log.With().Str("component", "manifest_watcher").Str("path", path).Logger(),
	}
}

// WithDebounce sets the quiet period before a reload.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Run watches until ctx is done. Editors often replace files instead of
// writing them in place, so the parent directory is watched and events are
// filtered by name.
func (w *Watcher) Run(ctx context.Context, onReload ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.Info().Msg("Watching manifest")

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("op", event.Op.String()).Msg("Manifest changed")

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				m, err := w.loader.Load(w.path)
				if err != nil {
					w.logger.Warn().Err(err).Msg("Manifest reload failed")
				} else {
					w.logger.Info().Int("servers", len(m.Servers)).Msg("Manifest reloaded")
				}
				onReload(m, err)
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
