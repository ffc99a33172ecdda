package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses bursts of filesystem events into one.
const DefaultDebounce = 150 * time.Millisecond

// DirWatcher reports changes to matching files in one directory. Bursts
// of events within the debounce window are collapsed and the last
// matching name is reported.
type DirWatcher struct {
	dir      string
	match    func(name string) bool
	debounce time.Duration
	logger   *slog.Logger
}

// NewDirWatcher creates a watcher for dir. A nil match accepts every
// file; debounce <= 0 uses [DefaultDebounce].
func NewDirWatcher(dir string, match func(name string) bool, debounce time.Duration, logger *slog.Logger) *DirWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if match == nil {
		match = func(string) bool { return true }
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &DirWatcher{dir: dir, match: match, debounce: debounce, logger: logger}
}

// Start creates dir if missing, begins watching it, and returns a channel
// of changed base names. The channel is closed when ctx is done.
func (w *DirWatcher) Start(ctx context.Context) (<-chan string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create watched directory: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", w.dir, err)
	}

	events := make(chan string, 1)
	go func() {
		defer func() {
			_ = fsw.Close()
			close(events)
		}()

		var pending string
		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				name := filepath.Base(ev.Name)
				if !w.match(name) {
					continue
				}
				pending = name
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
				timerC = timer.C
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("directory watcher error", "dir", w.dir, "error", err)
			case <-timerC:
				timerC = nil
				select {
				case events <- pending:
				default:
				}
			}
		}
	}()

	return events, nil
}
