package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"flowrelay/internal/logger"
	"flowrelay/pkg/metrics"
)

type WatchState string

const (
	StateIdle           WatchState = "idle"
	StateWatching       WatchState = "watching"
	StateReloadInFlight WatchState = "reload_in_flight"
	StateStopped        WatchState = "stopped"
)

// ReloadFunc performs one reload attempt. A non-nil error keeps the previous
// snapshot active.
type ReloadFunc func(ctx context.Context) error

// Watcher observes one config file and drives reloads. Change signals
// arriving while a reload is in flight set a dirty flag; the reload loop
// drains the flag with a fresh pass instead of stacking reloads, so bursts
// of writes collapse into at most one follow-up reload.
type Watcher struct {
	path         string
	pollInterval time.Duration
	forcePoll    bool
	reload       ReloadFunc
	log          logger.Logger

	mu    sync.Mutex
	state WatchState
	dirty bool

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWatcher(path string, reloadCfg ReloadConfig, reload ReloadFunc, log logger.Logger) *Watcher {
	interval := reloadCfg.PollInterval()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		path:         path,
		pollInterval: interval,
		forcePoll:    reloadCfg.ForcePoll,
		reload:       reload,
		log:          log,
		state:        StateIdle,
		kick:         make(chan struct{}, 1),
	}
}

// State reports the watcher state for the ops API.
func (w *Watcher) State() WatchState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start begins watching. If the file does not exist the watcher stays idle
// and hot reload is disabled for the life of the process.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := os.Stat(w.path); err != nil {
		w.log.Warnw("Config file not found, hot reload disabled", "path", w.path, "error", err)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.mu.Lock()
	w.state = StateWatching
	w.mu.Unlock()

	w.wg.Add(1)
	go w.reloadLoop(ctx)

	if w.forcePoll {
		w.wg.Add(1)
		go w.pollLoop(ctx)
		w.log.Infow("Config watcher started (polling)", "path", w.path, "interval", w.pollInterval)
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warnw("fsnotify unavailable, falling back to polling", "error", err)
		w.wg.Add(1)
		go w.pollLoop(ctx)
		return nil
	}

	// Watch the directory rather than the file: editors and config
	// management tools replace the file via rename, which drops a watch
	// placed on the file itself.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		w.log.Warnw("fsnotify watch failed, falling back to polling", "error", err)
		w.wg.Add(1)
		go w.pollLoop(ctx)
		return nil
	}

	w.wg.Add(1)
	go w.notifyLoop(ctx, fsw)
	w.log.Infow("Config watcher started", "path", w.path)
	return nil
}

// TriggerReload requests a reload pass, used by the ops API. Safe to call
// at any time after Start.
func (w *Watcher) TriggerReload() {
	w.signal()
}

// Stop halts watching and waits for an in-flight reload to finish.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()
}

func (w *Watcher) signal() {
	w.mu.Lock()
	if w.state == StateReloadInFlight {
		w.dirty = true
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Watcher) reloadLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
		}

		for {
			w.mu.Lock()
			w.state = StateReloadInFlight
			w.dirty = false
			w.mu.Unlock()

			start := time.Now()
			if err := w.reload(ctx); err != nil {
				metrics.ConfigReloadsTotal.WithLabelValues("failure").Inc()
				w.log.Errorw("Config reload failed, keeping previous snapshot",
					"path", w.path, "error", err, "duration", time.Since(start))
			} else {
				metrics.ConfigReloadsTotal.WithLabelValues("success").Inc()
				w.log.Infow("Config reloaded", "path", w.path, "duration", time.Since(start))
			}

			w.mu.Lock()
			if w.dirty {
				w.mu.Unlock()
				continue
			}
			w.state = StateWatching
			w.mu.Unlock()
			break
		}
	}
}

func (w *Watcher) notifyLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fsw.Close()

	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				w.log.Warnw("fsnotify channel closed, falling back to polling")
				w.wg.Add(1)
				go w.pollLoop(ctx)
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.signal()
		case err, ok := <-fsw.Errors:
			if !ok {
				w.log.Warnw("fsnotify channel closed, falling back to polling")
				w.wg.Add(1)
				go w.pollLoop(ctx)
				return
			}
			w.log.Warnw("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	var lastMod time.Time
	var lastSize int64
	if info, err := os.Stat(w.path); err == nil {
		lastMod = info.ModTime()
		lastSize = info.Size()
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			if info.ModTime().Equal(lastMod) && info.Size() == lastSize {
				continue
			}
			lastMod = info.ModTime()
			lastSize = info.Size()
			w.signal()
		}
	}
}
