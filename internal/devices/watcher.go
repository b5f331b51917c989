// ABOUTME: Watches /dev/snd for hot-plug and reports debounced device changes
// ABOUTME: A USB DAC appearing or vanishing creates and removes several nodes at once
package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// DebounceTime collapses a burst of node events into one notification
	DebounceTime = 250 * time.Millisecond
	// SoundDir is where ALSA device nodes live
	SoundDir = "/dev/snd"
)

// Watcher calls OnChange once per burst of /dev/snd events
type Watcher struct {
	log      zerolog.Logger
	clock    clockwork.Clock
	dir      string
	onChange func()

	mu    sync.Mutex
	timer clockwork.Timer
}

// NewWatcher creates a watcher over dir (SoundDir when empty)
func NewWatcher(log zerolog.Logger, clock clockwork.Clock, dir string, onChange func()) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if dir == "" {
		dir = SoundDir
	}
	return &Watcher{log: log, clock: clock, dir: dir, onChange: onChange}
}

// Trigger schedules a notification, pushing back any pending one
func (w *Watcher) Trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.clock.AfterFunc(DebounceTime, w.onChange)
}

// Run watches until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Debug().Str("dir", w.dir).Msg("watching sound devices")

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.Trigger()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("sound device watcher error")
		}
	}
}
