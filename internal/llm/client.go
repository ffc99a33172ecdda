// Package llm is the client for the local model backend (Ollama).
package llm

import "context"

// Generator produces a completion for a single prompt. The worker depends
// on this interface so tests can substitute a fake backend.
type Generator interface {
	// Generate sends prompt to model and returns the reply text.
	Generate(ctx context.Context, model, prompt string) (string, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
