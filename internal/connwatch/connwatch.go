// Package connwatch tracks whether the model backend is reachable.
//
// A Watcher probes in a loop: while the backend is down, probes back off
// exponentially (2s, 4s, 8s, ... capped); once it is up, probes run at a
// fixed poll interval. Transitions are logged and reported through
// optional callbacks. The worker daemon consults IsReady before each
// request so it can answer immediately with an error instead of waiting
// out an HTTP timeout.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	InitialDelay time.Duration // first retry after a failure (default 2s)
	MaxDelay     time.Duration // ceiling for retry growth (default 60s)
	Multiplier   float64       // growth factor (default 2)
	PollInterval time.Duration // interval while healthy (default 30s)
	ProbeTimeout time.Duration // per-probe limit (default 5s)
}

// DefaultBackoff returns the default schedule.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Config configures a Watcher.
type Config struct {
	// Name identifies the service in logs ("ollama").
	Name string

	// Probe checks service health.
	Probe ProbeFunc

	Backoff Backoff

	// OnReady and OnDown are called on transitions, in their own
	// goroutine. Optional.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// Status is a snapshot of a watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// ErrNotChecked is reported by LastError before the first probe returns.
var ErrNotChecked = errors.New("connwatch: not checked yet")

// Watcher monitors one service.
type Watcher struct {
	cfg    Config
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
	first  chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch starts probing in the background until ctx is cancelled or Stop
// is called. Name and Probe are required.
func Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:     cfg,
		cancel:  cancel,
		done:    make(chan struct{}),
		first:   make(chan struct{}),
		lastErr: ErrNotChecked,
	}
	go w.run(watchCtx)
	return w
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Name: w.cfg.Name, Ready: w.ready.Load(), LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Checked returns a channel closed once the first probe has completed.
func (w *Watcher) Checked() <-chan struct{} {
	return w.first
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	logger := w.cfg.Logger
	delay := b.InitialDelay
	failures := 0

	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)
		wasReady := w.ready.Load()

		switch {
		case err == nil && !wasReady:
			w.ready.Store(true)
			logger.Info("service connected", "service", w.cfg.Name, "after_failures", failures)
			if w.cfg.OnReady != nil {
				go w.cfg.OnReady()
			}
		case err != nil && wasReady:
			w.ready.Store(false)
			logger.Warn("service became unreachable", "service", w.cfg.Name, "error", err)
			if w.cfg.OnDown != nil {
				go w.cfg.OnDown(err)
			}
		case err != nil:
			logger.Debug("service unreachable",
				"service", w.cfg.Name,
				"failures", failures+1,
				"next_delay", delay.String(),
				"error", err,
			)
		}

		w.markChecked()

		var wait time.Duration
		if err == nil {
			failures = 0
			delay = b.InitialDelay
			wait = b.PollInterval
		} else {
			failures++
			wait = delay
			delay = time.Duration(float64(delay) * b.Multiplier)
			if delay > b.MaxDelay {
				delay = b.MaxDelay
			}
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(probeCtx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) markChecked() {
	select {
	case <-w.first:
	default:
		close(w.first)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
