// Package configwatcher triggers a reload callback when configuration files change.
package configwatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

var ErrNoFiles = errors.New("configwatcher: no files to watch")

// Logger is the subset of fluent.Logger the watcher uses.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

// ReloadFunc is called after a watched file changed.
type ReloadFunc func(ctx context.Context) error

// Watcher watches a set of files. It watches their directories rather than the
// files themselves so atomic replace-by-rename saves are seen too.
type Watcher struct {
	files    map[string]bool
	reload   ReloadFunc
	logger   Logger
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	done    chan struct{}
	reloads int
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

func WithLogger(l Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New creates a watcher for files calling reload on change.
func New(files []string, reload ReloadFunc, opts ...Option) (*Watcher, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	w := &Watcher{
		files:    make(map[string]bool, len(files)),
		reload:   reload,
		logger:   nopLogger{},
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("configwatcher: resolving %s: %w", f, err)
		}
		w.files[abs] = true
	}
	return w, nil
}

// Start begins watching. It returns once the watches are in place; events are
// processed until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("configwatcher: failed to create file watcher: %w", err)
	}

	dirs := make(map[string]bool)
	for f := range w.files {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("configwatcher: failed to watch %s: %w", dir, err)
		}
		w.logger.Debug("Watching config directory", "path", dir)
	}

	done := make(chan struct{})
	w.mu.Lock()
	w.done = done
	w.mu.Unlock()

	go w.loop(ctx, fsw, done)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer fsw.Close()
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !w.files[abs] {
				continue
			}
			w.logger.Info("Configuration file changed", "file", event.Name, "operation", event.Op.String())
			w.schedule(ctx)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", "error", err)

		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.mu.Lock()
		w.reloads++
		w.mu.Unlock()
		if err := w.reload(ctx); err != nil {
			w.logger.Error("Configuration reload failed", "error", err)
			return
		}
		w.logger.Info("Configuration reloaded")
	})
}

// Reloads returns how many reloads were triggered.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.done != nil {
		close(w.done)
		w.done = nil
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Debug(string, ...any) {}
