package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ChangeFunc receives the difference between the previous and the newly
// loaded config.
type ChangeFunc func(diff ConfigDiff, cfg *Config)

// Watcher reloads a config file when it changes on disk or when asked to
// with [Watcher.Trigger], and reports validated changes. An edit that fails
// to load is logged and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	trigger  chan struct{}

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
}

// fileStamp identifies one version of the file on disk.
type fileStamp struct {
	mtime time.Time
	size  int64
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path. Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	stamp, err := statFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w.current, w.stamp = cfg, stamp
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Trigger asks a running watcher to reload even if the file looks
// unchanged, e.g. on SIGHUP. It never blocks.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(false)
		case <-w.trigger:
			w.poll(true)
		}
	}
}

// poll reloads the file when its stamp moved, or unconditionally when
// forced, and reports the semantic difference.
func (w *Watcher) poll(force bool) {
	stamp, err := statFile(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := stamp == w.stamp
	w.mu.Unlock()
	if unchanged && !force {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current, w.stamp = cfg, stamp
	w.mu.Unlock()

	diff := Diff(old, cfg)
	if !diff.Changed() {
		slog.Debug("config watcher: file touched without effective change", "path", w.path)
		return
	}
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", diff.LogLevelChanged,
		"policy_changed", diff.PolicyChanged)
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config watcher: changes take effect after restart", "sections", diff.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(diff, cfg)
	}
}

func statFile(path string) (fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{mtime: info.ModTime(), size: info.Size()}, nil
}
