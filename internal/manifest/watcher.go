package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

const DefaultDebounce = 250 * time.Millisecond

// Watcher resyncs a Syncer from a directory whenever files in it change.
type Watcher struct {
	dir      string
	syncer   *Syncer
	debounce time.Duration
	log      logr.Logger

	// OnSync, when set, sees every resync result. It runs on the watch loop.
	OnSync func(*Result, error)
}

func NewWatcher(dir string, syncer *Syncer, debounce time.Duration, log logr.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{dir: dir, syncer: syncer, debounce: debounce, log: log.WithValues("dir", dir)}
}

// Run syncs once, then watches until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("manifest: creating fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("manifest: watching directory %s: %w", w.dir, err)
	}

	w.resync(ctx)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			w.log.V(1).Info("manifest change", "file", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.resync(ctx)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Error(err, "watch error")
		}
	}
}

func (w *Watcher) resync(ctx context.Context) {
	desired, err := LoadDir(w.dir)
	if err != nil {
		// Keep what is running; a half-written file should not tear the graph down.
		w.log.Error(err, "loading manifests")
		w.notify(nil, err)
		return
	}
	res, err := w.syncer.Sync(ctx, desired)
	if err != nil {
		w.log.Error(err, "sync failed")
	}
	for key, ierr := range res.Invalid {
		w.log.Error(ierr, "invalid manifest", "key", key)
	}
	if res.Changed() {
		w.log.Info("synced manifests", "installed", len(res.Installed), "reinstalled", len(res.Reinstalled), "removed", len(res.Removed))
	}
	w.notify(res, err)
}

func (w *Watcher) notify(res *Result, err error) {
	if w.OnSync != nil {
		w.OnSync(res, err)
	}
}

func relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return isManifestFile(filepath.Base(ev.Name))
}
