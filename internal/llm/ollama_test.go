package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaClient(srv.URL+"/", 5*time.Second, nil)
}

func TestGenerate(t *testing.T) {
	var got GenerateRequest
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/generate" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(GenerateResponse{Model: got.Model, Response: "Press Tab to enter edit mode.", Done: true})
	})

	reply, err := c.Generate(context.Background(), "llama3", "How do I edit vertices?")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "Press Tab to enter edit mode." {
		t.Errorf("reply = %q", reply)
	}
	if got.Model != "llama3" || got.Prompt != "How do I edit vertices?" || got.Stream {
		t.Errorf("request = %+v", got)
	}
}

func TestGenerate_APIError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model 'missing' not found"}`, http.StatusNotFound)
	})

	_, err := c.Generate(context.Background(), "missing", "hi")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Error(), "not found") {
		t.Errorf("error text %q lacks body", apiErr.Error())
	}
}

func TestGenerate_BadJSON(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})
	if _, err := c.Generate(context.Background(), "m", "p"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestGenerate_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewOllamaClient(url, time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Generate(ctx, "m", "p"); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestPingAndListModels(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"models":[{"name":"llama3:latest","size":4661224676},{"name":"qwen2.5:7b","size":4683087332}]}`))
	})

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0].Name != "llama3:latest" || models[1].Size != 4683087332 {
		t.Errorf("models = %+v", models)
	}
}

func TestPing_ServerError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	err := c.Ping(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Ping = %v, want 503 APIError", err)
	}
}

func TestNewOllamaClient_Defaults(t *testing.T) {
	c := NewOllamaClient("", 0, nil)
	if c.URL() != DefaultOllamaURL {
		t.Errorf("URL = %q", c.URL())
	}
	if c.httpClient.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v", c.httpClient.Timeout)
	}
}
