package sop

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ostrane/tracedeck/errors"
)

// watchDebounce collapses editor write bursts into a single notification.
const watchDebounce = 500 * time.Millisecond

// Watch observes the library for changes and invokes onChange, debounced,
// after each burst of filesystem events. New subdirectories are picked up as
// they appear. The watch runs until ctx is cancelled; the error return only
// covers setup.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating fsnotify watcher")
	}

	if err := addRecursive(watcher, s.root); err != nil {
		watcher.Close()
		return err
	}

	go s.watchLoop(ctx, watcher, onChange)
	s.log.Debugw("Watching sop library", "root", s.root)
	return nil
}

// addRecursive registers root and every non-hidden subdirectory; fsnotify
// watches are not recursive on their own.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return errors.Wrapf(walkErr, "walking %s", path)
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return errors.Wrapf(err, "watching %s", path)
		}
		return nil
	})
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func()) {
	defer watcher.Close()

	var mu sync.Mutex
	var debounce *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(watchDebounce, onChange)
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if debounce != nil {
				debounce.Stop()
			}
			mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}

			// Directories created after the watch started need their own
			// watch before events inside them surface.
			if event.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						s.log.Warnw("Failed to watch new directory",
							"path", event.Name,
							"error", err)
					}
				}
			}

			s.log.Debugw("Sop library changed",
				"path", event.Name,
				"op", event.Op.String())
			schedule()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warnw("Sop watcher error", "error", err)
		}
	}
}
