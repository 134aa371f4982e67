package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Manager holds the active configuration and reloads it when the file changes.
type Manager struct {
	mu      sync.RWMutex
	path    string
	config  Config
	log     *slog.Logger
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	onLoad  []func(Config)
}

func NewManager(path string, log *slog.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewStaticManager(path, cfg, log), nil
}

// NewStaticManager wraps an already loaded configuration.
func NewStaticManager(path string, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{path: path, config: cfg, log: log.With(slog.String("component", "config"))}
}

// Current returns a copy of the active configuration.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnReload registers fn to run after every successful reload.
func (m *Manager) OnReload(fn func(Config)) {
	m.mu.Lock()
	m.onLoad = append(m.onLoad, fn)
	m.mu.Unlock()
}

func (m *Manager) StartWatching(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	// Editors replace files on save; watching the directory survives that.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchLoop(ctx)

	m.log.Info("watching config for changes", slog.String("path", m.path))
	return nil
}

func (m *Manager) Stop() {
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.wg.Wait()
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.wg.Done()
	name := filepath.Base(m.path)

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				m.Reload()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("config watcher error", slog.String("error", err.Error()))
		case <-ctx.Done():
			return
		}
	}
}

// Reload re-reads the file. An invalid file leaves the active config in place.
func (m *Manager) Reload() bool {
	cfg, err := Load(m.path)
	if err != nil {
		m.log.Warn("config reload rejected", slog.String("error", err.Error()))
		return false
	}

	m.mu.Lock()
	m.config = cfg
	hooks := append([]func(Config){}, m.onLoad...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(cfg)
	}
	m.log.Info("config reloaded", slog.String("path", m.path))
	return true
}
