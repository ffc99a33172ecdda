// Package channel implements the file-based request/response channel
// shared with the inference worker.
//
// A request is published by overwriting two fixed-name files. The worker
// answers by writing a new versioned response file. Consumers discover
// responses by polling for the highest sequence number they have not seen
// yet; a burst of several responses between polls collapses to the
// newest one.
//
// Layout, relative to the channel directory:
//
//	input.txt          most recent request text (UTF-8)
//	model_config.txt   model identifier for that request
//	response.txt       optional unversioned copy of the last response
//	response_<N>.txt   versioned responses, N a non-negative integer
package channel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Fixed file names inside the channel directory.
const (
	RequestFileName  = "input.txt"
	ModelFileName    = "model_config.txt"
	FallbackFileName = "response.txt"

	responsePrefix = "response_"
	responseSuffix = ".txt"
)

// ResponseFileName returns the versioned response file name for seq.
func ResponseFileName(seq uint64) string {
	return responsePrefix + strconv.FormatUint(seq, 10) + responseSuffix
}

// ParseSequence extracts N from "response_<N>.txt". Names that do not
// match exactly, including ones whose number overflows, are rejected.
func ParseSequence(name string) (uint64, bool) {
	if !strings.HasPrefix(name, responsePrefix) || !strings.HasSuffix(name, responseSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, responsePrefix), responseSuffix)
	if digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Artifact is one response file. Content is only populated by functions
// that read it.
type Artifact struct {
	Sequence uint64
	Path     string
	Content  string

	// Fallback marks the unversioned response.txt.
	Fallback bool
}

// ListArtifacts returns the versioned responses in dir, lowest sequence
// first, without content. A missing directory has no artifacts.
func ListArtifacts(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list channel directory: %w", err)
	}

	var out []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := ParseSequence(e.Name())
		if !ok {
			continue
		}
		out = append(out, Artifact{Sequence: seq, Path: filepath.Join(dir, e.Name())})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// newest returns the artifact with the highest sequence, if any.
func newest(dir string) (Artifact, bool, error) {
	arts, err := ListArtifacts(dir)
	if err != nil || len(arts) == 0 {
		return Artifact{}, false, err
	}
	return arts[len(arts)-1], true, nil
}

// MaxSequence returns the highest response sequence present in dir, or
// zero when there is none.
func MaxSequence(dir string) (uint64, error) {
	a, _, err := newest(dir)
	return a.Sequence, err
}

// Latest returns the newest response with its content. Without any
// versioned response it falls back to response.txt. fs.ErrNotExist is
// returned when neither exists.
func Latest(dir string) (Artifact, error) {
	a, ok, err := newest(dir)
	if err != nil {
		return Artifact{}, err
	}
	if ok {
		data, err := os.ReadFile(a.Path)
		if err != nil {
			return Artifact{}, fmt.Errorf("read %s: %w", filepath.Base(a.Path), err)
		}
		a.Content = string(data)
		return a, nil
	}

	content, err := ReadFallback(dir)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{
		Path:     filepath.Join(dir, FallbackFileName),
		Content:  content,
		Fallback: true,
	}, nil
}

// ReadFallback returns the content of response.txt.
func ReadFallback(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, FallbackFileName))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", FallbackFileName, err)
	}
	return string(data), nil
}

// ClearResponses deletes every response file in dir, versioned or not,
// and returns how many were removed. It is an administrative action and
// must not run while a request is outstanding.
func ClearResponses(dir string) (int, error) {
	arts, err := ListArtifacts(dir)
	if err != nil {
		return 0, err
	}
	paths := make([]string, 0, len(arts)+1)
	for _, a := range arts {
		paths = append(paths, a.Path)
	}
	paths = append(paths, filepath.Join(dir, FallbackFileName))

	removed := 0
	var errs []error
	for _, p := range paths {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, fs.ErrNotExist):
		default:
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("clear responses: %w", errors.Join(errs...))
	}
	return removed, nil
}
