// Package watcher turns raw filesystem notifications into the debounced,
// coalesced add/change/remove events the folder lifecycle consumes. A
// write-stability gate holds add and change events back until the file has
// stopped growing, so half-written documents are never indexed.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/foldermcp/foldermcp/internal/store"
)

// Kind is the coalesced event type handed to the lifecycle.
type Kind int

const (
	// EventAdd indicates a new file appeared.
	EventAdd Kind = iota
	// EventChange indicates an existing file's content changed.
	EventChange
	// EventRemove indicates a file is gone.
	EventRemove
)

func (k Kind) String() string {
	switch k {
	case EventAdd:
		return "ADD"
	case EventChange:
		return "CHANGE"
	case EventRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// Event is one debounced file event. Path is relative to the watched root.
type Event struct {
	Path      string
	Kind      Kind
	Timestamp time.Time
}

// Options configures the watcher.
type Options struct {
	// DebounceWindow is how long a path's events coalesce before firing.
	// Default: 1000ms.
	DebounceWindow time.Duration

	// StabilityWindow is the minimum size/mtime quiet period before an add
	// or change fires. Default: 500ms.
	StabilityWindow time.Duration

	// EventBufferSize is the outgoing channel buffer. Default: 1000.
	EventBufferSize int

	// IgnorePatterns are extra doublestar patterns relative to the root,
	// on top of the built-in ignores.
	IgnorePatterns []string
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	if o.DebounceWindow == 0 {
		o.DebounceWindow = time.Second
	}
	if o.StabilityWindow == 0 {
		o.StabilityWindow = 500 * time.Millisecond
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = 1000
	}
	return o
}

// builtinIgnores always apply, including the cache directory itself.
var builtinIgnores = []string{
	store.CacheDirName + "/**",
	store.CacheDirName,
	"node_modules/**",
	".git/**",
}

// Watcher watches one folder recursively.
type Watcher struct {
	root      string
	opts      Options
	fsw       *fsnotify.Watcher
	debouncer *debouncer
	events    chan Event
	errs      chan error
	log       *slog.Logger

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

// New creates a watcher for root. Call Start to begin delivering events.
func New(root string, opts Options, log *slog.Logger) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	opts = opts.WithDefaults()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create filesystem watcher: %w", err)
	}

	w := &Watcher{
		root:   absRoot,
		opts:   opts,
		fsw:    fsw,
		events: make(chan Event, opts.EventBufferSize),
		errs:   make(chan error, 10),
		log:    log.With(slog.String("component", "watcher"), slog.String("folder", absRoot)),
		stopCh: make(chan struct{}),
	}
	w.debouncer = newDebouncer(opts.DebounceWindow)
	return w, nil
}

// Events returns the debounced event stream. The stream goes quiet after
// Stop; it is not closed, so a ranging consumer must watch its own context.
func (w *Watcher) Events() <-chan Event { return w.events }

// Errors returns non-fatal watcher errors.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Start begins watching. It blocks until ctx is cancelled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}

	go w.forward(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.emitError(err)
		}
	}
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true

	close(w.stopCh)
	w.debouncer.stop()
	return w.fsw.Close()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn("skipping unreadable path", slog.String("path", path), slog.Any("error", err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr == nil && rel != "." && w.ignored(rel) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// ignored applies the built-in patterns, dot-file rule, and per-folder
// excludes to a slash-relative path.
func (w *Watcher) ignored(rel string) bool {
	rel = filepath.ToSlash(rel)

	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	for _, pattern := range builtinIgnores {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	for _, pattern := range w.opts.IgnorePatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || w.ignored(rel) {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		// New directories need their own watch; their contents arrive as
		// separate Create events on most platforms, but walk anyway to
		// cover files that landed before the watch was installed.
		if info, serr := os.Stat(ev.Name); serr == nil && info.IsDir() {
			if werr := w.addRecursive(ev.Name); werr != nil {
				w.emitError(werr)
			}
			return
		}
		w.debouncer.add(Event{Path: rel, Kind: EventAdd, Timestamp: time.Now()})
	case ev.Op.Has(fsnotify.Write):
		w.debouncer.add(Event{Path: rel, Kind: EventChange, Timestamp: time.Now()})
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.debouncer.add(Event{Path: rel, Kind: EventRemove, Timestamp: time.Now()})
	}
}

// forward drains the debouncer, applies the write-stability gate, and
// publishes surviving events.
func (w *Watcher) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case batch, ok := <-w.debouncer.output():
			if !ok {
				return
			}
			for _, ev := range batch {
				if ev.Kind != EventRemove && !w.waitStable(ctx, ev.Path) {
					continue
				}
				select {
				case w.events <- ev:
				default:
					w.log.Warn("event buffer full, dropping event",
						slog.String("path", ev.Path), slog.String("kind", ev.Kind.String()))
				}
			}
		}
	}
}

// waitStable blocks until the file's size and mtime have been quiet for the
// stability window. Returns false if the file vanished or ctx ended; the
// removal arrives as its own event.
func (w *Watcher) waitStable(ctx context.Context, rel string) bool {
	abs := filepath.Join(w.root, rel)
	interval := w.opts.StabilityWindow / 5
	if interval < 20*time.Millisecond {
		interval = 20 * time.Millisecond
	}

	var lastSize int64 = -1
	var lastMTime time.Time
	quietSince := time.Now()
	first := true

	for {
		info, err := os.Stat(abs)
		if err != nil {
			return false
		}
		if first && time.Since(info.ModTime()) >= w.opts.StabilityWindow {
			return true
		}
		first = false
		if info.Size() != lastSize || !info.ModTime().Equal(lastMTime) {
			lastSize = info.Size()
			lastMTime = info.ModTime()
			quietSince = time.Now()
		} else if time.Since(quietSince) >= w.opts.StabilityWindow {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-w.stopCh:
			return false
		case <-time.After(interval):
		}
	}
}

func (w *Watcher) emitError(err error) {
	select {
	case w.errs <- err:
	default:
		w.log.Warn("error buffer full", slog.Any("error", err))
	}
}
