// Package chat is the client side of a conversation: it turns a user
// message into a memory-aware request, publishes it into the channel,
// watches for the answer, and records the completed exchange.
//
// A Session owns everything a front end needs. Front ends (the CLI) are
// thin adapters over it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/blendchat/internal/channel"
	"github.com/nugget/blendchat/internal/events"
	"github.com/nugget/blendchat/internal/memory"
	"github.com/nugget/blendchat/internal/opstate"
)

// DefaultScope is the opstate scope used when Config.Scope is empty.
const DefaultScope = "default"

// Keys for the pending request persisted between invocations.
const (
	keyPendingID      = "pending_id"
	keyPendingMessage = "pending_message"
)

// ErrEmptyMessage is returned by Send for a blank message.
var ErrEmptyMessage = errors.New("message is empty")

// Config wires a Session to its collaborators.
type Config struct {
	Writer    *channel.Writer
	Watcher   *channel.Watcher
	Memory    *memory.Store
	Assembler *memory.Assembler

	// Scheduler drives polling. Required for StartWatching.
	Scheduler    channel.Scheduler
	PollInterval time.Duration

	Preferences Preferences

	// State, when set, persists the pending request so a later process
	// can record the exchange when the answer arrives.
	State *opstate.Store
	Scope string

	Bus    *events.Bus
	Logger *slog.Logger
}

// Request is one published message.
type Request struct {
	ID      string
	Message string
	Prompt  string
	Model   string
	Tokens  int
	SentAt  time.Time
}

// Status is a snapshot for display.
type Status struct {
	SessionID     string `json:"session_id"`
	State         string `json:"state"`
	LastSeen      uint64 `json:"last_seen"`
	PendingID     string `json:"pending_id,omitempty"`
	LastSequence  uint64 `json:"last_sequence,omitempty"`
	LastResponse  string `json:"last_response,omitempty"`
	Model         string `json:"model"`
	TokenBudget   int    `json:"token_budget"`
	MemoryEnabled bool   `json:"memory_enabled"`
	AutoRefresh   bool   `json:"auto_refresh"`
	Channel       string `json:"channel"`
}

// Session is one user's conversation.
type Session struct {
	id     string
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	sched   channel.Scheduler
	prefs   Preferences
	pending *Request
	lastSeq uint64
	lastMsg string
}

// New creates a session with a fresh ID. If cfg.State holds a pending
// request from an earlier process, it is restored.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	s := &Session{
		id:    uuid.NewString(),
		cfg:   cfg,
		sched: cfg.Scheduler,
		prefs: cfg.Preferences,
	}
	s.logger = cfg.Logger.With("session", s.id[:8])
	s.restorePending()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Preferences returns the current preferences.
func (s *Session) Preferences() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// SetPreferences replaces the preferences used by later requests.
func (s *Session) SetPreferences(p Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = p
}

// SetScheduler replaces the scheduler used by later StartWatching calls.
func (s *Session) SetScheduler(sched channel.Scheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sched = sched
}

func (s *Session) scheduler() channel.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

// Send builds the request for message and publishes it. With memory
// enabled the request carries the conversation history; otherwise the
// message goes out as-is. With auto-refresh enabled and a scheduler
// configured, watching starts if it is not already running.
//
// A request still awaiting its answer is overwritten; Send logs a
// warning but does not refuse.
func (s *Session) Send(message string) (Request, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Request{}, ErrEmptyMessage
	}
	prefs := s.Preferences()

	prompt := message
	if prefs.MemoryEnabled {
		h, err := s.cfg.Memory.Load()
		if err != nil {
			return Request{}, fmt.Errorf("load memory: %w", err)
		}
		prompt = s.cfg.Assembler.Assemble(prefs.CustomPrompt, h, message, prefs.TokenBudget.Tokens())
	}

	req := Request{
		ID:      uuid.NewString(),
		Message: message,
		Prompt:  prompt,
		Model:   prefs.Model,
		Tokens:  memory.EstimateTokens(prompt),
		SentAt:  time.Now(),
	}

	s.mu.Lock()
	if s.pending != nil {
		s.logger.Warn("publishing over a pending request",
			"pending_request", s.pending.ID,
			"pending_age", time.Since(s.pending.SentAt).Round(time.Second),
		)
	}
	s.mu.Unlock()

	if err := s.cfg.Writer.Publish(prompt, prefs.Model); err != nil {
		return Request{}, err
	}

	s.mu.Lock()
	s.pending = &req
	s.mu.Unlock()
	s.savePending(&req)

	s.logger.Info("request published",
		"request", req.ID,
		"model", req.Model,
		"tokens", req.Tokens,
		"budget", prefs.TokenBudget.Tokens(),
		"memory", prefs.MemoryEnabled,
	)
	s.cfg.Bus.Emit(events.SourceSession, events.KindRequestPublished, map[string]any{
		"request_id": req.ID,
		"session_id": s.id,
		"model":      req.Model,
		"tokens":     req.Tokens,
		"budget":     prefs.TokenBudget.Tokens(),
	})

	if prefs.AutoRefresh && s.scheduler() != nil && !s.cfg.Watcher.State().Watching {
		if err := s.StartWatching(); err != nil {
			return req, err
		}
	}
	return req, nil
}

// StartWatching begins polling for responses. Responses that already
// exist are not reported.
func (s *Session) StartWatching() error {
	sched := s.scheduler()
	if sched == nil {
		return errors.New("start watching: no scheduler configured")
	}
	if err := s.cfg.Watcher.Watch(sched, s.cfg.PollInterval, s.HandleResult); err != nil {
		return err
	}
	last := s.cfg.Watcher.State().LastSeen
	s.cfg.Bus.Emit(events.SourceWatcher, events.KindWatchStarted, map[string]any{"last_seen": last})
	return nil
}

// StopWatching stops polling. An in-flight poll's result is discarded.
func (s *Session) StopWatching() {
	s.cfg.Watcher.Stop()
	s.cfg.Bus.Emit(events.SourceWatcher, events.KindWatchStopped, nil)
}

// HandleResult applies one poll result. A found response becomes the
// latest answer and, when memory is enabled and a request is pending,
// is recorded as an exchange with that request's message. Memory errors
// are logged; the response is still delivered.
func (s *Session) HandleResult(r channel.Result) {
	switch r.Outcome {
	case channel.Found:
		s.recordResponse(r.Artifact)
	case channel.Failed:
		s.cfg.Bus.Emit(events.SourceWatcher, events.KindPollError, map[string]any{
			"sequence": r.Artifact.Sequence,
			"error":    fmt.Sprint(r.Err),
		})
	default:
		s.logger.Log(context.Background(), slog.Level(-8), "poll", "outcome", r.Outcome.String()) // config.LevelTrace
	}
}

func (s *Session) recordResponse(a channel.Artifact) {
	content := strings.TrimSpace(a.Content)

	s.mu.Lock()
	s.lastSeq = a.Sequence
	s.lastMsg = content
	pending := s.pending
	s.pending = nil
	prefs := s.prefs
	s.mu.Unlock()

	requestID := ""
	if pending != nil {
		requestID = pending.ID
		s.clearPending()
	}
	s.cfg.Bus.Emit(events.SourceWatcher, events.KindResponseFound, map[string]any{
		"request_id": requestID,
		"sequence":   a.Sequence,
		"bytes":      len(content),
		"fallback":   a.Fallback,
	})

	if pending == nil || !prefs.MemoryEnabled || content == "" {
		return
	}
	h, err := s.cfg.Memory.Append(memory.Exchange{User: pending.Message, Assistant: content}, prefs.TokenBudget.Tokens())
	if err != nil {
		s.logger.Warn("failed to save exchange to memory", "request", pending.ID, "error", err)
		return
	}
	s.cfg.Bus.Emit(events.SourceMemory, events.KindMemorySaved, map[string]any{
		"exchanges": h.Len(),
		"tokens":    memory.EstimateTokens(h.Serialize()),
		"budget":    prefs.TokenBudget.Tokens(),
	})
}

// LastResponse returns the most recent answer and its sequence.
func (s *Session) LastResponse() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMsg, s.lastSeq
}

// Pending returns the request awaiting an answer, if any.
func (s *Session) Pending() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Request{}, false
	}
	return *s.pending, true
}

// ClearMemory empties the conversation history.
func (s *Session) ClearMemory() error {
	if err := s.cfg.Memory.Clear(); err != nil {
		return err
	}
	s.logger.Info("memory cleared", "path", s.cfg.Memory.Path())
	s.cfg.Bus.Emit(events.SourceMemory, events.KindMemoryCleared, nil)
	return nil
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	cs := s.cfg.Watcher.State()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		SessionID:     s.id,
		State:         cs.Mode().String(),
		LastSeen:      cs.LastSeen,
		LastSequence:  s.lastSeq,
		LastResponse:  s.lastMsg,
		Model:         s.prefs.Model,
		TokenBudget:   s.prefs.TokenBudget.Tokens(),
		MemoryEnabled: s.prefs.MemoryEnabled,
		AutoRefresh:   s.prefs.AutoRefresh,
		Channel:       s.cfg.Writer.Dir(),
	}
	if s.pending != nil {
		st.PendingID = s.pending.ID
	}
	return st
}

func (s *Session) savePending(req *Request) {
	if s.cfg.State == nil {
		return
	}
	if err := s.cfg.State.Set(s.cfg.Scope, keyPendingID, req.ID); err != nil {
		s.logger.Warn("failed to persist pending request", "error", err)
		return
	}
	if err := s.cfg.State.Set(s.cfg.Scope, keyPendingMessage, req.Message); err != nil {
		s.logger.Warn("failed to persist pending request", "error", err)
	}
}

func (s *Session) clearPending() {
	if s.cfg.State == nil {
		return
	}
	for _, key := range []string{keyPendingID, keyPendingMessage} {
		if err := s.cfg.State.Delete(s.cfg.Scope, key); err != nil {
			s.logger.Warn("failed to clear pending request", "error", err)
		}
	}
}

func (s *Session) restorePending() {
	if s.cfg.State == nil {
		return
	}
	stored, err := s.cfg.State.List(s.cfg.Scope)
	if err != nil {
		s.logger.Warn("failed to load pending request", "error", err)
		return
	}
	msg := stored[keyPendingMessage]
	if msg == "" {
		return
	}
	s.pending = &Request{ID: stored[keyPendingID], Message: msg}
	s.logger.Debug("restored pending request", "request", s.pending.ID)
}
