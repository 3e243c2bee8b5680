package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/cyruserr"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/persistence"
)

const configFileMode = 0o644

// updateSuppressWindow covers the watcher debounce plus filesystem event
// latency after a programmatic write, so the manager does not reload its
// own update.
const updateSuppressWindow = 2 * time.Second

// Manager owns the in-memory configuration snapshot. Reloads and
// programmatic updates validate first and swap the snapshot atomically;
// readers holding the previous snapshot are unaffected until they re-read.
type Manager struct {
	path      string
	cyrusHome string
	log       *logger.Logger
	eventBus  bus.EventBus

	mu      sync.RWMutex
	current *EdgeConfig

	suppressMu    sync.Mutex
	suppressUntil time.Time

	watcher *Watcher
}

// NewManager loads the document at path, creating a default empty document
// when none exists. Startup fails on an invalid document; at runtime invalid
// changes are rejected and the previous snapshot stays in effect.
func NewManager(path, cyrusHome string, eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	m := &Manager{
		path:      path,
		cyrusHome: cyrusHome,
		log:       log,
		eventBus:  eventBus,
	}

	cfg, err := m.loadFromDisk()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &EdgeConfig{Repositories: []RepositoryConfig{}}
		cfg.ApplyDefaults(cyrusHome)
		data, merr := marshalConfig(cfg)
		if merr != nil {
			return nil, merr
		}
		if werr := persistence.AtomicWrite(path, data, configFileMode); werr != nil {
			return nil, fmt.Errorf("failed to create default config: %w", werr)
		}
		log.Info("Created default config file", zap.String("path", path))
	}

	m.current = cfg
	return m, nil
}

// Start begins watching the config file for changes. Reloads are delivered
// until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	watcher, err := NewWatcher(m.path, m.log)
	if err != nil {
		return err
	}
	ch, err := watcher.Watch(ctx)
	if err != nil {
		return err
	}
	m.watcher = watcher

	go func() {
		for range ch {
			m.handleFileChange(ctx)
		}
	}()

	m.log.Info("Config manager started", zap.String("path", m.path))
	return nil
}

// Close stops the file watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// Current returns the active configuration snapshot. The snapshot is never
// mutated in place; callers may hold it across await points.
func (m *Manager) Current() *EdgeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Repository returns the active snapshot's repository with the given id,
// or nil.
func (m *Manager) Repository(id string) *RepositoryConfig {
	return m.Current().RepositoryByID(id)
}

// Path returns the config file path.
func (m *Manager) Path() string {
	return m.path
}

// Update validates and persists a new document, then swaps it in. The file
// watcher is suppressed for the write so the update is not reloaded twice.
// The previous document is backed up first.
func (m *Manager) Update(ctx context.Context, cfg *EdgeConfig) error {
	cfg.ApplyDefaults(m.cyrusHome)
	if err := Validate(cfg); err != nil {
		return err
	}

	if err := m.backup(); err != nil {
		m.log.Warn("Failed to back up config before update", zap.Error(err))
	}

	data, err := marshalConfig(cfg)
	if err != nil {
		return err
	}

	m.suppress(updateSuppressWindow)
	if err := persistence.AtomicWrite(m.path, data, configFileMode); err != nil {
		return fmt.Errorf("failed to persist config: %w", err)
	}

	m.swapAndPublish(ctx, cfg)
	return nil
}

// loadFromDisk reads, defaults, and validates the on-disk document.
func (m *Manager) loadFromDisk() (*EdgeConfig, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	var cfg EdgeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, cyruserr.Wrap(cyruserr.KindInvalidConfig, "config file is not valid JSON", err)
	}
	cfg.ApplyDefaults(m.cyrusHome)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) handleFileChange(ctx context.Context) {
	if m.suppressed() {
		m.log.Debug("Ignoring config change caused by programmatic update")
		return
	}

	cfg, err := m.loadFromDisk()
	if err != nil {
		m.log.Error("Config reload rejected, keeping previous config", zap.Error(err))
		return
	}
	m.swapAndPublish(ctx, cfg)
}

func (m *Manager) swapAndPublish(ctx context.Context, cfg *EdgeConfig) {
	m.mu.Lock()
	old := m.current
	m.current = cfg
	m.mu.Unlock()

	diff := DiffConfigs(old, cfg)
	if diff.Empty() {
		m.log.Debug("Config file changed but content is equivalent")
		return
	}

	m.log.Info("Config reloaded",
		zap.Strings("added", diff.Added),
		zap.Strings("removed", diff.Removed),
		zap.Strings("modified", diff.Modified),
		zap.Strings("other_changes", diff.OtherChanges))

	event := bus.NewEvent(events.ConfigReloaded, "config-manager", map[string]interface{}{
		"added":        diff.Added,
		"removed":      diff.Removed,
		"modified":     diff.Modified,
		"otherChanges": diff.OtherChanges,
	})
	if err := m.eventBus.Publish(ctx, events.ConfigReloaded, event); err != nil {
		m.log.Error("Failed to publish config reloaded event", zap.Error(err))
	}
}

// backup copies the current on-disk document into the backups directory
// with a timestamped name.
func (m *Manager) backup() error {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	ts := time.Now().UTC().Format("2006-01-02T15-04-05")
	backupPath := filepath.Join(m.cyrusHome, "backups", fmt.Sprintf("config-%s.json", ts))
	return persistence.AtomicWrite(backupPath, data, configFileMode)
}

func (m *Manager) suppress(d time.Duration) {
	m.suppressMu.Lock()
	defer m.suppressMu.Unlock()
	m.suppressUntil = time.Now().Add(d)
}

func (m *Manager) suppressed() bool {
	m.suppressMu.Lock()
	defer m.suppressMu.Unlock()
	return time.Now().Before(m.suppressUntil)
}

func marshalConfig(cfg *EdgeConfig) ([]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return append(data, '\n'), nil
}
