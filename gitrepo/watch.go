package gitrepo

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/runt18/hesokuri/internal/debounce"
)

// refWatchDebounce coalesces the bursts of ref writes a single git operation
// produces into one change notification.
const refWatchDebounce = 350 * time.Millisecond

// WatchRefsHeads watches the repository's refs/heads directory and invokes
// onChange (debounced) whenever a branch ref is created, moved or deleted.
// Subdirectories, present and future, are covered. The returned stop
// function cancels the watch and is safe to call more than once; onChange is
// never invoked after stop returns aside from a call already in flight.
func (r *Repo) WatchRefsHeads(onChange func()) (func(), error) {
	headsDir := filepath.Join(r.gitDir, "refs", "heads")
	if fi, err := os.Stat(headsDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("failed to watch %s: not a directory", headsDir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	err = filepath.WalkDir(headsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		werr := watcher.Close()
		if werr != nil {
			r.log.Warnf("Failed to close watcher: %v", werr)
		}
		return nil, fmt.Errorf("failed to watch %s: %w", headsDir, err)
	}

	deb := debounce.New(refWatchDebounce, onChange)
	go r.watchLoop(watcher, deb)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			if err := watcher.Close(); err != nil {
				r.log.Warnf("Failed to close watcher: %v", err)
			}
			deb.Stop()
		})
	}
	return stop, nil
}

func (r *Repo) watchLoop(watcher *fsnotify.Watcher, deb *debounce.Debouncer) {
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ignoreRefPath(ev.Name) {
				continue
			}
			// Branch namespaces (refs/heads/feature/...) appear as new
			// directories; pick them up so nested refs are seen too.
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := watcher.Add(ev.Name); err != nil {
						r.log.Warnf("Failed to watch new ref dir %s: %v", ev.Name, err)
					}
				}
			}
			r.log.Debugf("Ref change: %s %s", ev.Op, ev.Name)
			deb.Trigger()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.log.Warnf("Watcher error: %v", err)
		}
	}
}

// ignoreRefPath filters the transient lock files git writes next to refs.
func ignoreRefPath(name string) bool {
	return strings.HasSuffix(name, ".lock")
}
