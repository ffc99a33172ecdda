package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/blendchat/internal/channel"
	"github.com/nugget/blendchat/internal/events"
	"github.com/nugget/blendchat/internal/llm"
	"github.com/nugget/blendchat/internal/memory"
	"github.com/nugget/blendchat/internal/scheduler"
)

// Config configures a Worker.
type Config struct {
	// Dir is the channel directory.
	Dir string

	// DefaultModel is used when the channel names no model.
	DefaultModel string

	Generator llm.Generator

	// BackendURL appears in connection error replies.
	BackendURL string

	// Ready reports backend health. When it returns false, requests are
	// answered with a connection error without calling the backend. Nil
	// means always ready.
	Ready func() bool

	// Debounce collapses bursts of writes to input.txt in daemon mode.
	Debounce time.Duration

	Bus    *events.Bus
	Logger *slog.Logger
}

// Worker answers channel requests.
type Worker struct {
	cfg    Config
	logger *slog.Logger
}

// Outcome describes one processed request.
type Outcome struct {
	Sequence uint64
	Model    string
	Response string
	// Err is the backend failure, if any. The response then holds the
	// rendered error text.
	Err     error
	Elapsed time.Duration
}

// New creates a worker. Dir and Generator are required.
func New(cfg Config) *Worker {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.BackendURL == "" {
		cfg.BackendURL = llm.DefaultOllamaURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{cfg: cfg, logger: cfg.Logger}
}

// Process answers the pending request once. Backend failures are not
// returned as errors: they become the response text so the waiting
// session sees them. The returned error covers reading the request
// (including [ErrEmptyRequest]) and writing the response.
func (w *Worker) Process(ctx context.Context) (Outcome, error) {
	prompt, err := ReadRequest(w.cfg.Dir)
	if err != nil {
		return Outcome{}, err
	}
	model := ReadModel(w.cfg.Dir, w.cfg.DefaultModel)

	promptTokens := memory.EstimateTokens(prompt)
	w.logger.Info("processing request",
		"dir", w.cfg.Dir,
		"model", model,
		"prompt_tokens", promptTokens,
	)

	start := time.Now()
	out := Outcome{Model: model}
	reply, genErr := w.generate(ctx, model, prompt)
	out.Elapsed = time.Since(start)
	if genErr != nil {
		out.Err = genErr
		out.Response = ErrorText(genErr, w.cfg.BackendURL)
		w.logger.Warn("generation failed", "model", model, "error", genErr)
	} else {
		out.Response = CleanResponse(reply)
		if out.Response == "" {
			w.logger.Warn("empty reply after cleaning", "model", model, "raw_bytes", len(reply))
			out.Response = NoResponseText
		}
	}

	seq, err := WriteResponse(w.cfg.Dir, out.Response)
	if err != nil {
		return out, err
	}
	out.Sequence = seq

	w.logger.Info("response written",
		"sequence", seq,
		"model", model,
		"bytes", len(out.Response),
		"elapsed", out.Elapsed.Round(time.Millisecond),
	)
	w.cfg.Bus.Emit(events.SourceWorker, events.KindRequestProcessed, map[string]any{
		"sequence":        seq,
		"model":           model,
		"ok":              genErr == nil,
		"elapsed_ms":      out.Elapsed.Milliseconds(),
		"prompt_tokens":   promptTokens,
		"response_tokens": memory.EstimateTokens(out.Response),
	})
	return out, nil
}

func (w *Worker) generate(ctx context.Context, model, prompt string) (string, error) {
	if w.cfg.Ready != nil && !w.cfg.Ready() {
		return "", ErrBackendUnavailable
	}
	return w.cfg.Generator.Generate(ctx, model, prompt)
}

// Run waits for input.txt to change and processes each request until
// ctx is cancelled. Requests that fail to read are logged and skipped.
func (w *Worker) Run(ctx context.Context) error {
	dw := scheduler.NewDirWatcher(w.cfg.Dir, func(name string) bool {
		return name == channel.RequestFileName
	}, w.cfg.Debounce, w.logger)

	changes, err := dw.Start(ctx)
	if err != nil {
		return fmt.Errorf("watch channel: %w", err)
	}
	w.logger.Info("worker watching channel", "dir", w.cfg.Dir)

	for range changes {
		if _, err := w.Process(ctx); err != nil {
			if errors.Is(err, ErrEmptyRequest) {
				w.logger.Debug("ignoring empty request", "dir", w.cfg.Dir)
				continue
			}
			w.logger.Error("request failed", "dir", w.cfg.Dir, "error", err)
		}
	}
	return ctx.Err()
}
