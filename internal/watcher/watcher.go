// Package watcher turns file system activity under the watched root into
// coalesced rebuild triggers.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/mpr/internal/scanner"
)

// Default timings.
const (
	DefaultDebounce     = 300 * time.Millisecond
	DefaultPollInterval = time.Second
)

// Watcher posts a trigger after each burst of relevant changes.
type Watcher struct {
	root      string
	rules     *scanner.Rules
	logger    *slog.Logger
	debounce  time.Duration
	poll      time.Duration
	forcePoll bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithPollInterval sets the interval of the polling fallback.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithPolling skips fsnotify and always polls.
func WithPolling() Option {
	return func(w *Watcher) { w.forcePoll = true }
}

// New creates a Watcher for root. rules decide which paths are relevant.
func New(root string, rules *scanner.Rules, logger *slog.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		root:     root,
		rules:    rules,
		logger:   logger,
		debounce: DefaultDebounce,
		poll:     DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled. Triggers are sent without blocking, so
// with a 1-slot channel at most one trigger is ever pending.
func (w *Watcher) Run(ctx context.Context, trigger chan<- struct{}) error {
	if w.forcePoll {
		return w.runPolling(ctx, trigger)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("watcher: fsnotify unavailable, polling",
			slog.String("error", err.Error()),
			slog.Duration("interval", w.poll))
		return w.runPolling(ctx, trigger)
	}
	defer fw.Close()

	if err := w.addDirs(fw, w.root); err != nil {
		return err
	}
	w.logger.Info("watcher: started", slog.String("root", w.root))

	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		} else {
			timer.Reset(w.debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			w.logger.Info("watcher: stopped")
			return nil

		case <-fire:
			notify(trigger)

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.relevant(fw, ev) {
				w.logger.Debug("watcher: change", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
				schedule()
			}

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// relevant reports whether ev may change the candidate set. New directories
// are added to the watch list on the way.
func (w *Watcher) relevant(fw *fsnotify.Watcher, ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	rel, ok := w.rel(ev.Name)
	if !ok {
		return false
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if w.rules.SkipDir(rel) {
				return false
			}
			if err := w.addDirs(fw, ev.Name); err != nil {
				w.logger.Warn("watcher: add new dir failed",
					slog.String("path", rel),
					slog.String("error", err.Error()))
			} else {
				w.logger.Debug("watcher: watching new dir", slog.String("path", rel))
			}
			// The directory may arrive already populated.
			return true
		}
	}

	if w.rules.Match(rel) {
		return true
	}
	// A watched directory that went away may have held candidates.
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		return filepath.Ext(rel) == "" && !w.rules.SkipDir(rel)
	}
	return false
}

func (w *Watcher) rel(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// addDirs adds dir and every subdirectory the rules keep to the watcher.
func (w *Watcher) addDirs(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root {
			if rel, ok := w.rel(path); ok && w.rules.SkipDir(rel) {
				return filepath.SkipDir
			}
		}
		return fw.Add(path)
	})
}

type stamp struct {
	mod  time.Time
	size int64
}

func (w *Watcher) runPolling(ctx context.Context, trigger chan<- struct{}) error {
	prev := w.snapshot()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	w.logger.Info("watcher: polling", slog.String("root", w.root), slog.Duration("interval", w.poll))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher: stopped")
			return nil
		case <-ticker.C:
			cur := w.snapshot()
			if !sameSnapshot(prev, cur) {
				prev = cur
				notify(trigger)
			}
		}
	}
}

func (w *Watcher) snapshot() map[string]stamp {
	out := make(map[string]stamp)
	_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, ok := w.rel(path)
		if !ok {
			return nil
		}
		if d.IsDir() {
			if w.rules.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !w.rules.Match(rel) {
			return nil
		}
		if info, err := d.Info(); err == nil {
			out[rel] = stamp{mod: info.ModTime(), size: info.Size()}
		}
		return nil
	})
	return out
}

func sameSnapshot(a, b map[string]stamp) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		o, ok := b[k]
		if !ok || !o.mod.Equal(v.mod) || o.size != v.size {
			return false
		}
	}
	return true
}

func notify(trigger chan<- struct{}) {
	select {
	case trigger <- struct{}{}:
	default:
	}
}
