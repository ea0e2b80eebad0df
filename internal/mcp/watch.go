package mcp

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/campusgate/internal/debounce"
)

// ReloadFunc runs after the store was reloaded from disk.
type ReloadFunc func(ctx context.Context)

// Watcher reloads the store when its file changes.
type Watcher struct {
	store  *Store
	fs     *fsnotify.Watcher
	timer  *debounce.Timer
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Watch installs a filesystem watcher on the store's directory. Events for
// the store file are coalesced over delay; each quiet period reloads the file
// and, when its content changed, calls onReload. Only one watcher is ever
// installed per store; later calls return the existing one.
func (s *Store) Watch(ctx context.Context, delay time.Duration, onReload ReloadFunc) (*Watcher, error) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return s.watcher, nil
	}
	if delay <= 0 {
		delay = debounce.DefaultDelay
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create store watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{store: s, fs: fsw, cancel: cancel}
	w.timer = debounce.New(delay, func() {
		if !s.reloadIfChanged() {
			return
		}
		if onReload != nil {
			onReload(watchCtx)
		}
	})

	w.wg.Add(1)
	go w.loop(watchCtx)
	s.watcher = w
	s.logger.Info("watching store file", "path", s.path, "debounce", delay)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	target := filepath.Base(w.store.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.timer.Trigger()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.store.logger.Warn("store watch error", "error", err)
		}
	}
}

// Close stops watching. Pending reloads are dropped.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		w.timer.Stop()
		w.cancel()
		err = w.fs.Close()
		w.wg.Wait()

		w.store.watchMu.Lock()
		if w.store.watcher == w {
			w.store.watcher = nil
		}
		w.store.watchMu.Unlock()
	})
	return err
}
