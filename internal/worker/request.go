// Package worker answers requests published into a channel directory.
//
// It is the backend side of the file channel: read input.txt and
// model_config.txt, send the prompt to the model backend, clean the reply,
// and write it as both response.txt and the next response_<N>.txt. The
// worker can run once (answer whatever request is present) or as a
// daemon that waits for input.txt to change.
package worker

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/nugget/blendchat/internal/channel"
)

// DefaultModel is used when model_config.txt is missing or empty.
const DefaultModel = "qwen3:4b"

// ErrEmptyRequest is returned when input.txt holds nothing but whitespace.
var ErrEmptyRequest = errors.New("request is empty")

// ErrBackendUnavailable is reported when the health watcher says the
// backend is down and the request was not attempted.
var ErrBackendUnavailable = errors.New("backend unavailable")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReadRequest reads and decodes the pending request in dir. The text is
// trimmed; an empty request yields [ErrEmptyRequest]. A missing file
// wraps fs.ErrNotExist.
func ReadRequest(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, channel.RequestFileName))
	if err != nil {
		return "", fmt.Errorf("read request: %w", err)
	}
	text := strings.TrimSpace(decodeText(data))
	if text == "" {
		return "", ErrEmptyRequest
	}
	return text, nil
}

// decodeText interprets data as UTF-8 (with or without a byte order
// mark). Anything that is not valid UTF-8 was most likely written by a
// Windows tool, so it is read as Windows-1252, then as Latin-1 if that
// leaves undecodable bytes.
func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data)
	}
	if s, err := charmap.Windows1252.NewDecoder().Bytes(data); err == nil && !bytes.ContainsRune(s, utf8.RuneError) {
		return string(s)
	}
	s, _ := charmap.ISO8859_1.NewDecoder().Bytes(data)
	return string(s)
}

// ReadModel returns the model named in dir's model_config.txt, or def if
// the file is missing, unreadable, or blank.
func ReadModel(dir, def string) string {
	data, err := os.ReadFile(filepath.Join(dir, channel.ModelFileName))
	if err != nil {
		return def
	}
	if m := strings.TrimSpace(decodeText(data)); m != "" {
		return m
	}
	return def
}
