package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWatchInterval is the polling period used when none is configured.
const DefaultWatchInterval = 5 * time.Second

// revision is one adopted version of the watched file.
type revision struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher polls a config file and hands valid edits to a callback. An edit
// that fails to parse or validate is logged and the previous config stays
// current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config, d Diff)

	// poll serialises Check; rev may be read at any time.
	poll sync.Mutex
	rev  atomic.Pointer[revision]
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a watcher primed with it. Polling
// starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config, d Diff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, onChange: onChange}
	for _, o := range opts {
		o(w)
	}
	rev, err := readRevision(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.rev.Store(rev)
	return w, nil
}

// Current returns the most recently adopted config.
func (w *Watcher) Current() *Config { return w.rev.Load().cfg }

// Run polls until ctx is cancelled. It returns nil so it can share an
// errgroup with the server without tearing it down.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.Check()
		}
	}
}

// Check polls once and reports whether a new config was adopted. A changed
// mtime with identical bytes only refreshes the remembered mtime.
func (w *Watcher) Check() bool {
	w.poll.Lock()
	defer w.poll.Unlock()

	prev := w.rev.Load()
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return false
	}
	if info.ModTime().Equal(prev.mtime) {
		return false
	}

	next, err := readRevision(w.path)
	if err != nil {
		slog.Warn("config: edit rejected, keeping previous config", "path", w.path, "err", err)
		return false
	}
	if next.sum == prev.sum {
		w.rev.Store(&revision{cfg: prev.cfg, sum: prev.sum, mtime: next.mtime})
		return false
	}
	w.rev.Store(next)

	d := Compare(prev.cfg, next.cfg)
	slog.Info("config: reloaded",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"turn_taking", d.TurnTakingChanged,
		"characters", len(d.Characters),
	)
	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg, d)
	}
	return true
}

func readRevision(path string) (*revision, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &revision{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
