package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ChangeFunc is called with the difference between the previous and the new
// configuration after a successful reload.
type ChangeFunc func(d ConfigDiff, cfg *Config)

// Watcher polls a config file and reloads it when its content changes.
// Invalid files are logged and ignored; the last valid config stays current.
// Polling can be disabled with a negative [WithInterval] when reloads are
// driven only through [Watcher.Reload].
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	log      *slog.Logger

	// reloadMu serialises reloads so onChange sees diffs in order.
	reloadMu sync.Mutex

	mu       sync.Mutex
	current  *Config
	mtime    time.Time
	sum      [sha256.Size]byte
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds; a
// negative value disables polling.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d != 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it in a background goroutine.
// onChange may be nil.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, sum, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.sum, w.mtime = cfg, sum, mtime

	if w.interval > 0 {
		go w.poll()
	}
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check is the poll tick: it reloads only when the file's mtime moved.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}
	if err := w.Reload(); err != nil {
		w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
	}
}

// Reload re-reads the file now, regardless of its mtime. main calls it on
// SIGHUP. An invalid file returns an error and leaves [Watcher.Current]
// untouched; identical content is a no-op.
func (w *Watcher) Reload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, sum, mtime, err := w.read()
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.mtime = mtime
	if sum == w.sum {
		w.mu.Unlock()
		return nil
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	d := Diff(old, cfg)
	w.log.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"call_settings_changed", d.CallSettingsChanged,
	)
	if len(d.RestartRequired) > 0 {
		w.log.Warn("config watcher: changes need a restart", "fields", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(d, cfg)
	}
	return nil
}

// read loads and validates the file, returning it with its hash and mtime.
func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
