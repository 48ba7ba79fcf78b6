package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of filesystem events an editor or
// configmap update produces into a single reload.
const reloadDebounce = 500 * time.Millisecond

// Manager owns the live configuration. Readers get lock-free snapshots
// through Get; reloads swap the snapshot atomically and fan out to the
// registered callbacks.
type Manager struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	mu        sync.Mutex
	callbacks []func(*Config)

	watcher *fsnotify.Watcher
}

// NewManager loads the file and returns a manager holding it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{path: path, logger: logger}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the current configuration snapshot. Safe for concurrent
// use; the snapshot is immutable once stored.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// OnChange registers a callback invoked with the new configuration
// after every successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// Reload re-reads the file and swaps the snapshot in. On failure the
// previous configuration stays live and the error is returned.
func (m *Manager) Reload() error {
	cfg, err := LoadFromFile(m.path)
	if err != nil {
		return err
	}
	m.current.Store(cfg)

	m.mu.Lock()
	callbacks := make([]func(*Config), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return nil
}

// Watch reloads the configuration whenever the file changes on disk
// until the context is canceled. The parent directory is watched rather
// than the file itself, so atomic writes that rename a temp file over
// the config keep triggering reloads.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	go m.watch(ctx)
	return nil
}

func (m *Manager) watch(ctx context.Context) {
	defer m.watcher.Close()

	// The timer starts drained and is armed by relevant events.
	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	target := filepath.Clean(m.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)

		case <-timer.C:
			if err := m.Reload(); err != nil {
				m.logger.Error("config reload failed, keeping current", "error", err)
			} else {
				m.logger.Info("configuration reloaded", "path", m.path)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher. Safe to call when Watch was never started.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
