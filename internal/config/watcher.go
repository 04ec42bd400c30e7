// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"
)

// WatcherConfig controls polling of the config file for runtime changes.
type WatcherConfig struct {
	// Path is set from the command line, never from the file itself.
	Path string `yaml:"-"`

	PollInterval time.Duration `yaml:"poll_interval"`
	Enabled      bool          `yaml:"enabled"`
}

func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval: 30 * time.Second,
	}
}

// ChangeHandler receives the previously applied configuration and a freshly
// loaded, validated one.
type ChangeHandler func(prev, next *Config) error

// Diff lists the settings that differ between two configurations, split into
// those applied at runtime (log.level, collection.interval) and those that
// only take effect after a restart.
func Diff(prev, next *Config) (runtime, restart []string) {
	if prev.Log.Level != next.Log.Level {
		runtime = append(runtime, "log.level")
	}
	if prev.Collection.Interval != next.Collection.Interval {
		runtime = append(runtime, "collection.interval")
	}

	if prev.Log.Format != next.Log.Format {
		restart = append(restart, "log.format")
	}
	if prev.Collection.OnStartup != next.Collection.OnStartup ||
		prev.Collection.ProgressEvery != next.Collection.ProgressEvery {
		restart = append(restart, "collection")
	}
	sections := []struct {
		name       string
		prev, next any
	}{
		{"unisphere", prev.Unisphere, next.Unisphere},
		{"server", prev.Server, next.Server},
		{"events", prev.Events, next.Events},
		{"export", prev.Export, next.Export},
		{"tracing", prev.Tracing, next.Tracing},
		{"watch", prev.Watch, next.Watch},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.prev, s.next) {
			restart = append(restart, s.name)
		}
	}
	return runtime, restart
}

// Watcher polls a configuration file and hands validated reloads to its
// handlers. A file that fails to load or validate is skipped and the last
// applied configuration stays current.
type Watcher struct {
	cfg WatcherConfig
	log *slog.Logger

	mu           sync.RWMutex
	handlers     []ChangeHandler
	current      *Config
	currentHash  [32]byte
	lastModified time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher reads the file once so that later polls have a baseline to
// compare against.
func NewWatcher(cfg WatcherConfig, log *slog.Logger) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWatcherConfig().PollInterval
	}
	if log == nil {
		log = slog.Default()
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	cfg.Path = absPath

	initial, err := Load(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read initial config: %w", err)
	}
	hash, modTime, err := fingerprint(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read initial config: %w", err)
	}

	return &Watcher{
		cfg:          cfg,
		log:          log.With("component", "config_watcher"),
		current:      initial,
		currentHash:  hash,
		lastModified: modTime,
		stopCh:       make(chan struct{}),
	}, nil
}

// Start polls until ctx is done or Stop is called. It does nothing when the
// watcher is disabled.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.Enabled {
		w.log.Debug("config watcher disabled")
		return nil
	}

	w.log.Info("watching config file", "path", w.cfg.Path, "interval", w.cfg.PollInterval)

	w.wg.Add(1)
	go w.poll(ctx)
	return nil
}

// Stop is safe to call more than once.
func (w *Watcher) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) OnChange(handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, handler)
}

func (w *Watcher) Path() string {
	return w.cfg.Path
}

// Current returns the last configuration handed to the handlers, or the
// initial one.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) poll(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.Reload(); err != nil {
				w.log.Warn("config reload skipped", "error", err)
			}
		}
	}
}

// Reload checks the file immediately instead of waiting for the next poll.
func (w *Watcher) Reload() error {
	info, err := os.Stat(w.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	w.mu.RLock()
	unchanged := info.ModTime().Equal(w.lastModified)
	w.mu.RUnlock()
	if unchanged {
		return nil
	}

	hash, modTime, err := fingerprint(w.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to hash config file: %w", err)
	}

	w.mu.Lock()
	changed := hash != w.currentHash
	w.currentHash = hash
	w.lastModified = modTime
	prev := w.current
	w.mu.Unlock()

	if !changed {
		return nil
	}

	next, err := Load(w.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to parse new config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("new config rejected: %w", err)
	}

	runtime, restart := Diff(prev, next)
	if len(restart) > 0 {
		w.log.Warn("config changes require a restart", "sections", restart)
	}
	if len(runtime) == 0 {
		return nil
	}
	w.log.Info("applying config changes", "settings", runtime)

	w.mu.Lock()
	w.current = next
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	for _, handler := range handlers {
		if err := handler(prev, next); err != nil {
			w.log.Warn("config change handler failed", "error", err)
		}
	}
	return nil
}

func fingerprint(path string) ([32]byte, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return [32]byte{}, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}, time.Time{}, err
	}
	return sha256.Sum256(data), info.ModTime(), nil
}
