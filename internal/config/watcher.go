package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"storyloom/internal/logging"
	"storyloom/internal/quality"
)

// Watcher reloads quality-gate thresholds when the config file changes on
// disk, so thresholds can be tuned mid-session without a restart. Only the
// quality section is hot-reloaded; provider and scheduler settings apply at
// startup.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	onReload func(quality.GateConfig)

	debounce    map[string]time.Time
	debounceDur time.Duration

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewWatcher creates a watcher for the config file at path. onReload is
// invoked with the new gate config after every successful reload.
func NewWatcher(path string, onReload func(quality.GateConfig)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fsw,
		path:        path,
		onReload:    onReload,
		debounce:    make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // Editors save in bursts
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; events are handled in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace files on save and
	// a watch on the old inode goes stale.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	logging.Get(logging.CategoryBoot).Infof("watching %s for threshold changes", w.path)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warnf("config watcher error: %v", err)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.mu.Lock()
	last, seen := w.debounce[event.Name]
	now := time.Now()
	if seen && now.Sub(last) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.debounce[event.Name] = now
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		logging.Get(logging.CategoryBoot).Warnf("config reload failed, keeping previous thresholds: %v", err)
		return
	}

	logging.Get(logging.CategoryQuality).Infof("reloaded quality thresholds from %s", w.path)
	if w.onReload != nil {
		w.onReload(cfg.GateConfig())
	}
}
