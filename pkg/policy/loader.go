package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNoPolicy is returned when no document has been loaded yet.
var ErrNoPolicy = errors.New("policy: no document loaded")

// watchDebounce collapses the burst of events editors emit on save.
const watchDebounce = 250 * time.Millisecond

// Loader owns the active policy document and swaps it atomically on reload.
// A failed reload keeps the previous document.
type Loader struct {
	path    string
	current atomic.Pointer[Document]
	logger  *slog.Logger

	mu       sync.Mutex
	onReload []func(doc *Document)
}

// NewLoader creates a loader for the YAML document at path. Nothing is read
// until Load is called.
func NewLoader(path string) *Loader {
	return &Loader{
		path:   path,
		logger: slog.Default().With("component", "policy"),
	}
}

// Path returns the watched document path.
func (l *Loader) Path() string { return l.path }

// OnReload registers a callback invoked after every successful load.
func (l *Loader) OnReload(fn func(doc *Document)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = append(l.onReload, fn)
}

// Load reads, validates and activates the document.
func (l *Loader) Load() (*Document, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", l.path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy: load %s: %w", l.path, err)
	}
	l.Set(doc)
	return doc, nil
}

// Reload is Load with logging, for signal, watch and admin triggers.
func (l *Loader) Reload() error {
	prev := l.current.Load()
	doc, err := l.Load()
	if err != nil {
		l.logger.Error("policy reload rejected, keeping previous document", "path", l.path, "error", err)
		return err
	}
	prevHash := ""
	if prev != nil {
		prevHash = prev.Hash
	}
	l.logger.Info("policy reloaded", "path", l.path, "hash", doc.Hash, "previous_hash", prevHash, "actions", len(doc.Actions))
	return nil
}

// Set activates an already validated document.
func (l *Loader) Set(doc *Document) {
	l.current.Store(doc)

	l.mu.Lock()
	callbacks := append([]func(*Document){}, l.onReload...)
	l.mu.Unlock()

	for _, fn := range callbacks {
		fn(doc)
	}
}

// Current returns the active document, or nil before the first load.
func (l *Loader) Current() *Document { return l.current.Load() }

// Evaluate evaluates action against the active document.
func (l *Loader) Evaluate(action string) (*Evaluation, error) {
	doc := l.current.Load()
	if doc == nil {
		return nil, ErrNoPolicy
	}
	return Evaluate(action, doc)
}

// Watch reloads the document whenever the file changes, until ctx is done.
// The parent directory is watched so that atomic rename-on-save is seen.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: create watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("policy: watch %s: %w", dir, err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		target := filepath.Clean(l.path)
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() { _ = l.Reload() })
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("policy watcher error", "error", werr)
			}
		}
	}()
	return nil
}
