package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"rallybot/pkg/logx"
)

func jsonMarshal(v any) ([]byte, error) { return json.Marshal(v) }

// Parse strictly decodes config bytes. YAML input (by extension) is first
// converted to JSON so unknown-field rejection applies uniformly.
func Parse(path string, data []byte) (*Config, error) {
	j, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(j))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode config: trailing data after document")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// ReloadFunc is invoked with the freshly parsed config after a file change.
type ReloadFunc func(cfg *Config)

// Manager holds the current config and watches the file for changes.
// Editors replace files with rename/chmod dances, so the watcher tracks
// the parent directory and re-reads on any event touching the file name.
type Manager struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	hash [sha256.Size]byte

	onReload []ReloadFunc
}

func NewManager(path string, log logx.Logger) (*Manager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	return &Manager{
		path: path,
		log:  log,
		cfg:  cfg,
		hash: sha256.Sum256(data),
	}, nil
}

func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// OnReload registers a callback for successful reloads. Not safe to call
// after Watch has started.
func (m *Manager) OnReload(fn ReloadFunc) {
	m.onReload = append(m.onReload, fn)
}

// Watch blocks until ctx is done, reloading the config when the file
// changes. A broken edit keeps the previous config and logs the error.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(m.path)
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			// Debounce bursts from atomic-save editors.
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watcher error", logx.Err(err))
		case <-pending:
			pending = nil
			m.reload()
		}
	}
}

func (m *Manager) reload() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		m.log.Warn("config reload: read failed", logx.Err(err))
		return
	}
	sum := sha256.Sum256(data)

	m.mu.Lock()
	if sum == m.hash {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	cfg, err := Parse(m.path, data)
	if err != nil {
		m.log.Warn("config reload: rejected, keeping previous",
			logx.Err(err))
		return
	}

	m.mu.Lock()
	m.cfg = cfg
	m.hash = sum
	m.mu.Unlock()

	m.log.Info("config reloaded", logx.String("path", m.path))
	for _, fn := range m.onReload {
		fn(cfg)
	}
}
