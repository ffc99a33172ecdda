package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPollInterval is the recommended polling cadence.
const DefaultPollInterval = 2 * time.Second

// ErrNotWatching is carried by the result of a Poll on a stopped watcher.
var ErrNotWatching = errors.New("channel: not watching")

// State is the watcher's lifecycle state.
type State int

const (
	Idle State = iota
	Watching
)

func (s State) String() string {
	if s == Watching {
		return "watching"
	}
	return "idle"
}

// Outcome classifies a single poll.
type Outcome int

const (
	// NotWatching: the watcher is idle and the poll did nothing.
	NotWatching Outcome = iota
	// StillWaiting: no response newer than the last one seen.
	StillWaiting
	// Found: a newer response was read; see Result.Artifact.
	Found
	// Failed: the newest response could not be read; see Result.Err.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case StillWaiting:
		return "still_waiting"
	case Found:
		return "found"
	case Failed:
		return "error"
	default:
		return "not_watching"
	}
}

// Result is what one poll observed.
type Result struct {
	Outcome  Outcome
	Artifact Artifact
	Err      error
}

// ChannelState is the watcher's process-local view of the channel.
type ChannelState struct {
	LastSeen uint64
	Watching bool
}

// Mode reports the lifecycle state the snapshot represents.
func (c ChannelState) Mode() State {
	if c.Watching {
		return Watching
	}
	return Idle
}

// Scheduler runs a callback at a fixed interval until cancelled. The
// watcher never starts its own timers; the host supplies one.
type Scheduler interface {
	RegisterInterval(d time.Duration, fn func()) (cancel func())
}

// Watcher discovers new responses in a channel directory. It is owned by
// one session; Poll, Start and Stop are safe to call from different
// goroutines but are serialized.
type Watcher struct {
	dir    string
	logger *slog.Logger

	mu        sync.Mutex
	state     ChannelState
	failedSeq uint64
	hasFailed bool
	gen       uint64
	cancel    func()
}

// NewWatcher creates an idle watcher for dir.
func NewWatcher(dir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dir: dir, logger: logger}
}

// Start records the current highest sequence as already seen and begins
// watching, so responses that existed before Start are never reported.
// A missing directory counts as empty. Calling Start while watching
// re-baselines.
func (w *Watcher) Start() error {
	last, err := MaxSequence(w.dir)
	if err != nil {
		return fmt.Errorf("start watching: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = ChannelState{LastSeen: last, Watching: true}
	w.hasFailed = false
	w.gen++

	w.logger.Debug("watching for responses", "dir", w.dir, "last_seen", last)
	return nil
}

// Stop returns the watcher to Idle and cancels any interval registered by
// Watch. A poll already in flight completes, but Watch discards its
// result.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	wasWatching := w.state.Watching
	w.state.Watching = false
	w.gen++
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasWatching {
		w.logger.Debug("stopped watching for responses", "dir", w.dir)
	}
}

// State returns a snapshot of the channel state.
func (w *Watcher) State() ChannelState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Poll rescans the directory. If a response newer than the last one seen
// exists, the newest is read and LastSeen advances to it. A read failure
// leaves LastSeen alone and is reported once; that artifact is not
// retried unless a newer one appears. Responses are written atomically,
// so an empty file is a complete, empty reply.
func (w *Watcher) Poll() Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.state.Watching {
		return Result{Outcome: NotWatching, Err: ErrNotWatching}
	}

	a, ok, err := newest(w.dir)
	if err != nil {
		w.logger.Warn("response scan failed", "dir", w.dir, "error", err)
		return Result{Outcome: Failed, Err: err}
	}
	if !ok || a.Sequence <= w.state.LastSeen {
		return Result{Outcome: StillWaiting}
	}
	if w.hasFailed && a.Sequence == w.failedSeq {
		return Result{Outcome: StillWaiting}
	}

	data, err := os.ReadFile(a.Path)
	if err != nil {
		w.failedSeq, w.hasFailed = a.Sequence, true
		w.logger.Warn("response read failed",
			"file", filepath.Base(a.Path),
			"sequence", a.Sequence,
			"error", err,
		)
		return Result{Outcome: Failed, Artifact: a, Err: fmt.Errorf("read %s: %w", filepath.Base(a.Path), err)}
	}
	a.Content = string(data)
	w.state.LastSeen = a.Sequence
	w.hasFailed = false
	w.logger.Info("response found", "file", filepath.Base(a.Path), "sequence", a.Sequence)
	return Result{Outcome: Found, Artifact: a}
}

// Watch starts the watcher if needed and registers Poll with s at
// interval. handle receives every result of a poll that was not
// superseded by Stop or a restart. Results are delivered on whatever
// goroutine s runs callbacks on.
func (w *Watcher) Watch(s Scheduler, interval time.Duration, handle func(Result)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if !w.State().Watching {
		if err := w.Start(); err != nil {
			return err
		}
	}

	w.mu.Lock()
	gen := w.gen
	prev := w.cancel
	w.mu.Unlock()
	if prev != nil {
		prev()
	}

	cancel := s.RegisterInterval(interval, func() {
		if w.generation() != gen {
			return
		}
		r := w.Poll()
		if r.Outcome == NotWatching || w.generation() != gen {
			return
		}
		handle(r)
	})

	w.mu.Lock()
	if w.gen != gen {
		// Stopped while registering.
		w.mu.Unlock()
		cancel()
		return nil
	}
	w.cancel = cancel
	w.mu.Unlock()
	return nil
}

func (w *Watcher) generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen
}
