package channel

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
)

// Writer publishes requests into a channel directory.
//
// The channel holds at most one outstanding request. Publishing again
// before the worker has answered overwrites the pending request, and the
// two answers will race. Writer does not detect this.
type Writer struct {
	dir          string
	defaultModel string
	logger       *slog.Logger
}

// NewWriter creates a writer for dir. defaultModel is written when
// Publish is called without a model.
func NewWriter(dir, defaultModel string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{dir: dir, defaultModel: defaultModel, logger: logger}
}

// Dir returns the channel directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Publish writes message and model to the request files, creating the
// channel directory if needed. The model file is written first so a
// worker woken by the request file always sees the matching model.
func (w *Writer) Publish(message, model string) error {
	if model == "" {
		model = w.defaultModel
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create channel directory: %w", err)
	}
	if err := atomicwriter.WriteFile(filepath.Join(w.dir, ModelFileName), []byte(model), 0o644); err != nil {
		return fmt.Errorf("write model config: %w", err)
	}
	if err := atomicwriter.WriteFile(filepath.Join(w.dir, RequestFileName), []byte(message), 0o644); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	w.logger.Debug("request published",
		"dir", w.dir,
		"model", model,
		"bytes", len(message),
	)
	return nil
}
