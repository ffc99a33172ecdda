package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/moby/sys/atomicwriter"

	"github.com/nugget/blendchat/internal/channel"
	"github.com/nugget/blendchat/internal/httpkit"
	"github.com/nugget/blendchat/internal/llm"
)

// NoResponseText is written when a reply is empty after cleaning.
const NoResponseText = "No response received"

// CleanResponse strips model scaffolding from a reply: "N|" line-number
// prefixes, <think> sections (the tag lines included, even when the
// section opens and closes on one line), and leading blank lines. The
// result is trimmed.
func CleanResponse(text string) string {
	var out []string
	thinking := false
	for _, line := range strings.Split(text, "\n") {
		line = stripLineNumber(line)

		switch {
		case strings.Contains(line, "<think>"):
			thinking = !strings.Contains(line, "</think>")
			continue
		case strings.Contains(line, "</think>"):
			thinking = false
			continue
		case thinking:
			continue
		}

		if len(out) == 0 && strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// stripLineNumber turns "12| text" into "text". Lines whose prefix is
// not all digits are left alone.
func stripLineNumber(line string) string {
	if strings.TrimSpace(line) == "" {
		return line
	}
	prefix, rest, ok := strings.Cut(line, "|")
	if !ok {
		return line
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return line
	}
	for _, r := range prefix {
		if !unicode.IsDigit(r) {
			return line
		}
	}
	return strings.TrimSpace(rest)
}

// WriteResponse writes text to response.txt and to the next versioned
// artifact, returning its sequence. The versioned file is written last
// so a watcher that sees it can also rely on response.txt.
func WriteResponse(dir, text string) (uint64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create channel directory: %w", err)
	}
	last, err := channel.MaxSequence(dir)
	if err != nil {
		return 0, fmt.Errorf("scan responses: %w", err)
	}
	if err := atomicwriter.WriteFile(filepath.Join(dir, channel.FallbackFileName), []byte(text), 0o644); err != nil {
		return 0, fmt.Errorf("write response: %w", err)
	}
	seq := last + 1
	if err := atomicwriter.WriteFile(filepath.Join(dir, channel.ResponseFileName(seq)), []byte(text), 0o644); err != nil {
		return 0, fmt.Errorf("write versioned response: %w", err)
	}
	return seq, nil
}

// ErrorText renders a backend failure as the reply the user will see.
func ErrorText(err error, backendURL string) string {
	var apiErr *llm.APIError
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr):
		return fmt.Sprintf("Error: HTTP %d - %s", apiErr.StatusCode, apiErr.Body)
	case errors.Is(err, ErrBackendUnavailable), httpkit.IsConnectError(err):
		return fmt.Sprintf("Error: Could not connect to Ollama. Make sure it's running on %s", backendURL)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "Error: Request timed out. The model might be taking too long to respond."
	default:
		return "Error: " + err.Error()
	}
}
