// Package scheduler runs interval callbacks for hosts that have no event
// loop of their own, such as the command line front end. Callbacks are
// serialized: at most one runs at a time across the whole scheduler.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWake makes every registered job fire early whenever a file in dir
// whose base name satisfies match is created, written, or renamed into
// place. Interval firing continues as a fallback.
func WithWake(dir string, match func(name string) bool) Option {
	return func(s *Scheduler) {
		s.wakeDir = dir
		s.wakeMatch = match
	}
}

// job is one registered interval callback.
type job struct {
	id       int
	interval time.Duration
	fn       func()
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (j *job) cancel() {
	j.once.Do(func() { close(j.done) })
}

func (j *job) cancelled() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Scheduler manages interval jobs.
type Scheduler struct {
	logger    *slog.Logger
	wakeDir   string
	wakeMatch func(string) bool

	mu      sync.Mutex
	jobs    map[int]*job
	nextID  int
	running bool
	stopped bool
	stopCh  chan struct{}
	unwatch context.CancelFunc
	wg      sync.WaitGroup

	// fire serializes callbacks.
	fire sync.Mutex
}

// New creates a scheduler. Jobs may be registered before Start; Start is
// only needed for wake-ups.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger: logger,
		jobs:   make(map[int]*job),
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins directory wake-ups if configured. It returns once the
// directory watch is established; wake-ups stop when ctx is done or Stop
// is called, and Stop waits for the watch to close.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if s.wakeDir == "" {
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	dw := NewDirWatcher(s.wakeDir, s.wakeMatch, 0, s.logger)
	events, err := dw.Start(watchCtx)
	if err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.unwatch = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		// events closes once the watch has shut down.
		for name := range events {
			s.logger.Log(watchCtx, slog.Level(-8), "scheduler woken", "file", name) // config.LevelTrace
			s.wakeAll()
		}
	}()

	s.logger.Debug("scheduler wake-ups enabled", "dir", s.wakeDir)
	return nil
}

// Stop cancels every job and waits for running callbacks to return. It
// must not be called from inside a callback; cancel the job instead.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.running = false
	for id, j := range s.jobs {
		j.cancel()
		delete(s.jobs, id)
	}
	close(s.stopCh)
	if s.unwatch != nil {
		s.unwatch()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("scheduler stopped")
}

// RegisterInterval runs fn every d (one second if d <= 0) until the
// returned cancel func is called or the scheduler stops. cancel does not wait for a running
// callback, so it is safe to call from within fn.
func (s *Scheduler) RegisterInterval(d time.Duration, fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return func() {}
	}
	if d <= 0 {
		d = time.Second
	}

	j := &job{
		id:       s.nextID,
		interval: d,
		fn:       fn,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.nextID++
	s.jobs[j.id] = j

	s.wg.Add(1)
	go s.run(j)

	s.logger.Debug("interval registered", "job", j.id, "interval", d)
	return func() {
		j.cancel()
		s.mu.Lock()
		delete(s.jobs, j.id)
		s.mu.Unlock()
	}
}

func (s *Scheduler) wakeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		select {
		case j.wake <- struct{}{}:
		default:
		}
	}
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"running": s.running,
		"jobs":    len(s.jobs),
		"wake":    s.wakeDir != "",
	}
}

func (s *Scheduler) run(j *job) {
	defer s.wg.Done()

	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-s.stopCh:
			return
		case <-t.C:
		case <-j.wake:
		}
		s.execute(j)
	}
}

// execute runs one callback under the fire lock. Panics are logged and
// the job keeps its schedule.
func (s *Scheduler) execute(j *job) {
	s.fire.Lock()
	defer s.fire.Unlock()

	if j.cancelled() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("interval callback panicked", "job", j.id, "panic", r)
		}
	}()
	j.fn()
}
