package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/blendchat/internal/httpkit"
)

// DefaultOllamaURL is where a local Ollama listens out of the box.
const DefaultOllamaURL = "http://localhost:11434"

// DefaultTimeout bounds one generation. Large models on modest hardware
// can take minutes.
const DefaultTimeout = 5 * time.Minute

// maxErrorBody caps how much of an error reply is kept.
const maxErrorBody = 2048

// OllamaClient is a client for the Ollama HTTP API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a client for baseURL. A zero timeout uses
// DefaultTimeout.
func NewOllamaClient(baseURL string, timeout time.Duration, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// URL returns the base URL the client talks to.
func (c *OllamaClient) URL() string {
	return c.baseURL
}

// Generate sends a non-streaming generation request.
func (c *OllamaClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	jsonData, err := json.Marshal(GenerateRequest{Model: model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "generate request", "model", model, "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, maxErrorBody)),
		}
	}

	var genResp GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	c.logger.Debug("generation complete",
		"model", model,
		"prompt_tokens", genResp.PromptEvalCount,
		"output_tokens", genResp.EvalCount,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	c.logger.Log(ctx, LevelTrace, "generate response", "response", genResp.Response)
	return genResp.Response, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	resp, err := c.get(ctx, "/api/tags")
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 64*1024)
	return nil
}

// ListModels returns the locally installed models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := c.get(ctx, "/api/tags")
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	var result struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result.Models, nil
}

// get issues a GET and converts non-200 replies into *APIError. The
// caller closes the body.
func (c *OllamaClient) get(ctx context.Context, path string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, maxErrorBody)),
		}
	}
	return resp, nil
}
