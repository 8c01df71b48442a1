package config

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SettingsManager watches settings.json and exposes the most recently loaded
// Settings, reloading whenever the file watcher reports a write or create
// event. It composes Loader with FileWatcher rather than duplicating the
// teacher's field-by-field hot-reload diffing, since settings.json is small
// enough to reload wholesale.
type SettingsManager struct {
	mu       sync.RWMutex
	settings *Settings
	path     string
	envPrefix string
	watcher  *FileWatcher
	logger   *zap.Logger

	onReload []func(*Settings)
}

// NewSettingsManager loads settings once from path and prepares a manager
// capable of watching it for subsequent changes.
func NewSettingsManager(path string, logger *zap.Logger) (*SettingsManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &SettingsManager{
		path:      path,
		envPrefix: "JETPACK",
		logger:    logger,
	}
	s, err := NewLoader().WithSettingsPath(path).WithEnvPrefix(m.envPrefix).Load()
	if err != nil {
		return nil, err
	}
	m.settings = s
	return m, nil
}

// Current returns the most recently loaded Settings snapshot.
func (m *SettingsManager) Current() *Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// OnReload registers a callback invoked after a successful reload.
func (m *SettingsManager) OnReload(cb func(*Settings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, cb)
}

// Watch starts watching the settings file for external edits, reloading on
// each detected write/create event. Cancel ctx to stop.
func (m *SettingsManager) Watch(ctx context.Context) error {
	w, err := NewFileWatcher([]string{m.path}, WithWatcherLogger(m.logger))
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	w.OnChange(func(evt FileEvent) {
		if evt.Op != FileOpWrite && evt.Op != FileOpCreate {
			return
		}
		if err := m.reload(); err != nil {
			m.logger.Error("failed to reload settings", zap.Error(err), zap.String("path", m.path))
		}
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()
	return nil
}

// Stop stops the underlying file watcher, if running.
func (m *SettingsManager) Stop() error {
	m.mu.Lock()
	w := m.watcher
	m.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Stop()
}

func (m *SettingsManager) reload() error {
	s, err := NewLoader().WithSettingsPath(m.path).WithEnvPrefix(m.envPrefix).Load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.settings = s
	callbacks := make([]func(*Settings), len(m.onReload))
	copy(callbacks, m.onReload)
	m.mu.Unlock()

	m.logger.Info("settings reloaded", zap.String("path", m.path))
	for _, cb := range callbacks {
		cb(s)
	}
	return nil
}
