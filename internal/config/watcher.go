package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Reload is one accepted change of the watched file.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// fileState identifies a version of the watched file.
type fileState struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher polls a config file and reports valid changes. Invalid versions
// are logged, kept in [Watcher.Err] and otherwise ignored, so the last good
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)
	clk      clock.WithTicker
	logger   *slog.Logger

	mu      sync.Mutex
	current *Config
	state   fileState
	lastErr error
	reloads int

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the poll interval. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithClock sets the clock driving the poll ticker.
func WithClock(c clock.WithTicker) WatcherOption {
	return func(w *Watcher) { w.clk = c }
}

func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher loads path and polls it until [Watcher.Stop]. onReload runs on
// the poll goroutine for every new version whose [Diff] is non-empty; it
// may be nil.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		clk:      clock.RealClock{},
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "config_watcher", "path", path)

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.state = cfg, st

	go w.loop(w.clk.NewTicker(w.interval))
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Err returns why the newest version of the file was rejected, or nil once
// a valid version has been loaded.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Reloads counts the changes handed to the callback so far.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Stop ends polling and waits for the loop to exit. It is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher) loop(ticker clock.Ticker) {
	defer close(w.stopped)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C():
			if r, ok := w.poll(); ok && w.onReload != nil {
				w.onReload(r)
			}
		}
	}
}

// poll re-reads the file when its mtime or size moved and returns the
// reload to report, if any.
func (w *Watcher) poll() (Reload, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.reject(err)
		return Reload{}, false
	}
	w.mu.Lock()
	prev := w.state
	w.mu.Unlock()
	if info.ModTime().Equal(prev.mtime) && info.Size() == prev.size {
		return Reload{}, false
	}

	cfg, st, err := w.read()
	if err != nil {
		w.reject(err)
		return Reload{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = nil
	if st.sum == prev.sum {
		w.state = st
		return Reload{}, false
	}
	r := Reload{Old: w.current, New: cfg, Diff: Diff(w.current, cfg)}
	w.current, w.state = cfg, st
	if !r.Diff.Changed() {
		w.logger.Debug("config rewritten without effective changes")
		return Reload{}, false
	}
	w.reloads++
	w.logger.Info("configuration reloaded", "restart_required", r.Diff.RestartRequired)
	return r, true
}

func (w *Watcher) reject(err error) {
	w.mu.Lock()
	repeated := w.lastErr != nil && w.lastErr.Error() == err.Error()
	w.lastErr = err
	w.mu.Unlock()
	if !repeated {
		w.logger.Warn("ignoring unusable config", "err", err)
	}
}

func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
