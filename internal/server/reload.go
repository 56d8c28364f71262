package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow is how long after the last write the reload fires. Editors
// and config management tools write files in bursts.
const debounceWindow = 500 * time.Millisecond

// Reloader watches configuration files and triggers a reload callback after
// writes settle.
type Reloader struct {
	watcher *fsnotify.Watcher
	reload  func() error
	log     *zap.Logger
	paths   []string
}

// NewReloader creates a file watcher over paths. Empty and missing paths are
// skipped; a Reloader with nothing to watch is valid and Run returns at once.
func NewReloader(paths []string, reload func() error, log *zap.Logger) (*Reloader, error) {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	var watched []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := watcher.Add(p); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %q: %w", p, err)
		}
		watched = append(watched, p)
	}

	return &Reloader{watcher: watcher, reload: reload, log: log, paths: watched}, nil
}

// Paths lists the files actually under watch.
func (r *Reloader) Paths() []string {
	return r.paths
}

// Run watches for file changes and fires the reload callback, debounced.
// Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	if len(r.paths) == 0 {
		return nil
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceWindow, func() {
					if err := r.reload(); err != nil {
						r.log.Error("hot-reload failed", zap.Error(err))
						return
					}
					r.log.Info("hot-reload applied", zap.Strings("paths", r.paths))
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("file watcher error", zap.Error(err))
		}
	}
}
