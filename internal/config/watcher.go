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

// DefaultWatchInterval is how often a [Watcher] polls the config file.
const DefaultWatchInterval = 5 * time.Second

// WatchStats summarises a [Watcher]'s reload history.
type WatchStats struct {
	Path       string
	Reloads    int
	LastReload time.Time

	// LastError is the reason the most recent edit was rejected. It is
	// cleared by the next successful reload.
	LastError error
}

// fingerprint identifies one version of the file. The mtime short-circuits
// polling; the hash tells a real edit from a touch.
type fingerprint struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// Watcher polls a config file and hands every valid edit to a callback
// together with the config it replaces. Invalid edits are logged and
// recorded in [Watcher.Stats]; the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fingerprint
	stats   WatchStats

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads the config at path and polls it until Stop. The initial
// load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		stats:    WatchStats{Path: path},
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, fp

	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stats returns the reload history.
func (w *Watcher) Stats() WatchStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Stop ends polling and waits for an in-flight callback to return.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if old, next := w.poll(); next != nil && w.onChange != nil {
				// Outside the lock so the callback may call Current or Stats.
				w.onChange(old, next)
			}
		}
	}
}

// poll returns the replaced and the new config when the file holds a valid
// edit, and nils otherwise.
func (w *Watcher) poll() (old, next *Config) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return nil, nil
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return nil, nil
	}

	cfg, fp, err := w.read()

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case err != nil:
		// Remember the mtime so a broken file is reported once per edit.
		w.seen.mtime = info.ModTime()
		w.stats.LastError = err
		w.log.Warn("config watcher: edit rejected, keeping previous config", "path", w.path, "err", err)
		return nil, nil
	case fp.hash == w.seen.hash:
		w.seen = fp
		w.stats.LastError = nil
		return nil, nil
	}
	old, w.current, w.seen = w.current, cfg, fp
	w.stats.Reloads++
	w.stats.LastReload = time.Now()
	w.stats.LastError = nil
	w.log.Info("config watcher: configuration reloaded", "path", w.path, "reloads", w.stats.Reloads)
	return old, cfg
}

// read loads and validates the file and fingerprints its content.
func (w *Watcher) read() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
