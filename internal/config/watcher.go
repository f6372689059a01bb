package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tallyline-io/courier/pkg/log"
)

// Tunables are the runtime-adjustable settings a Watcher may apply without
// a restart. Connection and storage settings deliberately stay fixed for
// the life of the process.
type Tunables struct {
	RecipientPerMinute int
	SendMaxRetries     int
	BatchPerMinute     int
	DeliveryMaxRetries int
	DeliveryRetryDelay time.Duration
}

// TunablesFrom extracts the runtime-adjustable subset of a Config.
func TunablesFrom(cfg Config) Tunables {
	return Tunables{
		RecipientPerMinute: cfg.RecipientPerMinute,
		SendMaxRetries:     cfg.SendMaxRetries,
		BatchPerMinute:     cfg.BatchPerMinute,
		DeliveryMaxRetries: cfg.DeliveryMaxRetries,
		DeliveryRetryDelay: cfg.DeliveryRetryDelay,
	}
}

// Watcher monitors the config file for changes via fsnotify and applies
// updated tunables through a callback. Edits are debounced because most
// editors fire several write events per save.
type Watcher struct {
	path          string
	base          Config
	apply         func(Tunables)
	logger        log.Logger
	debounceDelay time.Duration

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWatcher creates a watcher for the given config file path. The apply
// callback receives the new tunables after every successful reload.
func NewWatcher(path string, base Config, logger log.Logger, apply func(Tunables)) *Watcher {
	return &Watcher{
		path:          path,
		base:          base,
		apply:         apply,
		logger:        logger,
		debounceDelay: 100 * time.Millisecond,
	}
}

// Run watches the config file's directory until the context is cancelled.
// A missing file or failed watcher setup disables hot reload but is not
// fatal.
func (w *Watcher) Run(ctx context.Context) {
	if w.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("config watcher unavailable", log.Err(err))
		return
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("config watcher failed to watch directory",
			log.String("dir", filepath.Dir(w.path)), log.Err(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			w.stopDebounce()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", log.Err(err))
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) stopDebounce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
}

// reload re-reads the config file and applies the tunable subset.
func (w *Watcher) reload() {
	fc, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", log.String("path", w.path), log.Err(err))
		return
	}

	cfg := w.base
	if err := ApplyFile(&cfg, fc, nil); err != nil {
		w.logger.Warn("config reload rejected", log.String("path", w.path), log.Err(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("config reload rejected", log.String("path", w.path), log.Err(err))
		return
	}

	w.logger.Info("config reloaded", log.String("path", w.path))
	w.apply(TunablesFrom(cfg))
}
