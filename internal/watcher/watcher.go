// Package watcher provides a non-cooperative filesystem observer: it emits
// synthetic file-change events for a governed tree without requiring the
// agent host to report its own writes.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/sibyllai/khoregos/internal/model"
)

// DefaultIgnore covers version-control metadata, the engine's own state
// directory, compiled-code caches, editor swap files, and common
// dependency directories.
var DefaultIgnore = []string{
	".git/**",
	".khoregos/**",
	"**/__pycache__/**",
	"**/*.pyc",
	"**/node_modules/**",
	"**/.venv/**",
	"**/vendor/**",
	"**/*.swp",
	"**/*.swo",
	"**/.DS_Store",
}

// FileEvent is one synthetic file-change notification.
type FileEvent struct {
	Type        model.EventType
	Path        string
	IsDirectory bool
	OldPath     string
}

// Watcher observes a project tree and emits FileEvents on a bounded
// channel. Overflowing events are dropped — the watcher is a redundant
// safety net alongside explicit tool-call logging, not the authoritative
// change record.
type Watcher struct {
	root   string
	ignore []string
	log    zerolog.Logger

	fsw    *fsnotify.Watcher
	events chan FileEvent
	done   chan struct{}
	wg     sync.WaitGroup

	// pendingRenameFrom holds the source path of the most recent Rename
	// event, to be attached as OldPath on the Create event fsnotify
	// delivers immediately afterward for the destination path. handle runs
	// on a single goroutine, so this needs no locking.
	pendingRenameFrom string
}

// New creates a Watcher rooted at root with DefaultIgnore plus any
// caller-supplied patterns.
func New(root string, extraIgnore []string, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		root:   root,
		ignore: append(append([]string{}, DefaultIgnore...), extraIgnore...),
		log:    log,
		fsw:    fsw,
		events: make(chan FileEvent, 1024),
		done:   make(chan struct{}),
	}
	return w, nil
}

// Events returns the channel FileEvents are delivered on.
func (w *Watcher) Events() <-chan FileEvent {
	return w.events
}

// Start recursively registers watches under root and begins the
// background read loop.
func (w *Watcher) Start() error {
	err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := w.relative(path)
		if relErr == nil && w.isIgnored(rel) && rel != "." {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
	if err != nil {
		return fmt.Errorf("register watches under %s: %w", w.root, err)
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop halts the background loop, closes the Events channel, and releases
// the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.events)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("filesystem watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := w.relative(ev.Name)
	if err != nil {
		return
	}
	if w.isIgnored(rel) {
		return
	}

	info, statErr := os.Stat(ev.Name)
	isDir := statErr == nil && info.IsDir()

	var fe FileEvent
	switch {
	case ev.Op&fsnotify.Create != 0:
		renameFrom := w.pendingRenameFrom
		w.pendingRenameFrom = ""
		if isDir {
			// watch the new directory so its own contents are observed
			if err := w.fsw.Add(ev.Name); err != nil {
				w.log.Warn().Err(err).Str("path", ev.Name).Msg("failed to watch new directory")
			}
			return
		}
		fe = FileEvent{Type: model.EventFileCreate, Path: rel, OldPath: renameFrom}
	case ev.Op&fsnotify.Write != 0:
		w.pendingRenameFrom = ""
		if isDir {
			return
		}
		fe = FileEvent{Type: model.EventFileModify, Path: rel}
	case ev.Op&fsnotify.Remove != 0:
		w.pendingRenameFrom = ""
		fe = FileEvent{Type: model.EventFileDelete, Path: rel, IsDirectory: isDir}
	case ev.Op&fsnotify.Rename != 0:
		// fsnotify delivers a rename as a departure event on the old path,
		// immediately followed by a Create on the new path. Stash the old
		// path so the paired Create can report it as OldPath, splitting
		// the rename into delete(src) + create(dest, old_path=src).
		w.pendingRenameFrom = rel
		fe = FileEvent{Type: model.EventFileDelete, Path: rel}
	default:
		return
	}

	select {
	case w.events <- fe:
	default:
		w.log.Warn().Str("path", rel).Msg("watcher event channel full, dropping event")
	}
}

func (w *Watcher) relative(path string) (string, error) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func (w *Watcher) isIgnored(rel string) bool {
	for _, pattern := range w.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if strings.HasPrefix(rel, strings.TrimSuffix(pattern, "/**")+"/") {
			return true
		}
	}
	return false
}
