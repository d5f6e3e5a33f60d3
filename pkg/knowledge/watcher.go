package knowledge

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the base whenever a markdown file under its
// directory changes. Rapid bursts of events (editors write several
// times per save) are debounced into one reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	base     *Base
	debounce time.Duration
	logger   zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewWatcher creates a watcher over the base's directory.
func NewWatcher(base *Base, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		watcher:  fw,
		base:     base,
		debounce: 200 * time.Millisecond,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The directory must exist.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.base.cfg.Dir); err != nil {
		return fmt.Errorf("watch knowledge dir: %w", err)
	}
	go w.eventLoop()
	w.logger.Info().Str("dir", w.base.cfg.Dir).Msg("knowledge watcher started")
	return nil
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.timerMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timerMu.Unlock()
	})
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(filepath.Base(event.Name), ".md") {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("knowledge watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		w.base.Reload()
	})
}
