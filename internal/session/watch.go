package session

import (
	"fmt"
	"log"

	"github.com/fsnotify/fsnotify"
)

// childWatcher watches a managed child's working directory for removal of
// a marker path (its binary or lockfile), signaling external teardown the
// process-exit path alone would not catch promptly — e.g. a container
// volume unmount out from under a still-running child.
type childWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// watchChildTeardown starts watching dir for the removal of markerName. On
// detection, onTeardown is invoked once.
func watchChildTeardown(dir, markerName string, onTeardown func()) (*childWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	cw := &childWatcher{watcher: w, done: make(chan struct{})}
	go cw.run(markerName, onTeardown)
	return cw, nil
}

func (cw *childWatcher) run(markerName string, onTeardown func()) {
	defer cw.watcher.Close()
	for {
		select {
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Remove) && ev.Name == markerName {
				onTeardown()
				return
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("session: watch error: %v", err)
		case <-cw.done:
			return
		}
	}
}

func (cw *childWatcher) stop() {
	select {
	case <-cw.done:
	default:
		close(cw.done)
	}
}
