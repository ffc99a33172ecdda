package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{name: "default", want: 30 * time.Second},
		{name: "custom", opts: []ClientOption{WithTimeout(5 * time.Minute)}, want: 5 * time.Minute},
		{name: "disabled", opts: []ClientOption{WithTimeout(0)}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func echoUserAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := echoUserAgent(t)

	resp, err := NewClient().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.HasPrefix(string(body), "blendchat/") {
		t.Errorf("default User-Agent = %q, want blendchat/ prefix", body)
	}

	resp, err = NewClient(WithUserAgent("TestBot/1.0")).Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "TestBot/1.0" {
		t.Errorf("custom User-Agent = %q", body)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "Explicit/2.0")
	resp, err = NewClient().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "Explicit/2.0" {
		t.Errorf("explicit User-Agent overwritten: %q", body)
	}
}

func TestReadErrorBody(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("model 'nope' not found, try pulling it first"))
	if got := ReadErrorBody(rc, 15); got != "model 'nope' no" {
		t.Errorf("ReadErrorBody = %q", got)
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q", got)
	}
}

// failingTransport fails the first n round trips with err.
type failingTransport struct {
	err   error
	n     int
	calls int
}

func (f *failingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.n {
		return nil, f.err
	}
	if req.Body != nil {
		body, _ := io.ReadAll(req.Body)
		if string(body) != "payload" {
			return nil, fmt.Errorf("body not rewound: %q", body)
		}
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		failures  int
		count     int
		withBody  bool
		wantErr   bool
		wantCalls int
	}{
		{name: "succeeds after refusal", err: refused(), failures: 2, count: 3, wantCalls: 3},
		{name: "exhausts retries", err: refused(), failures: 10, count: 2, wantErr: true, wantCalls: 3},
		{name: "non-connect error not retried", err: errors.New("tls: bad certificate"), failures: 1, count: 3, wantErr: true, wantCalls: 1},
		{name: "body rewound", err: refused(), failures: 1, count: 1, withBody: true, wantCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &failingTransport{err: tt.err, n: tt.failures}
			rt := &retryTransport{base: base, count: tt.count, delay: time.Millisecond}

			var body io.Reader
			if tt.withBody {
				body = strings.NewReader("payload")
			}
			req, _ := http.NewRequest(http.MethodPost, "http://backend.invalid/api/generate", body)

			resp, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if resp != nil {
				resp.Body.Close()
			}
			if base.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", base.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_NoRetryWithoutGetBody(t *testing.T) {
	base := &failingTransport{err: refused(), n: 1}
	rt := &retryTransport{base: base, count: 3, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodPost, "http://backend.invalid/", io.NopCloser(strings.NewReader("payload")))
	req.GetBody = nil

	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1", base.calls)
	}
}

func TestRetryTransport_ContextCancelled(t *testing.T) {
	base := &failingTransport{err: refused(), n: 10}
	rt := &retryTransport{base: base, count: 5, delay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://backend.invalid/", nil)
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestIsConnectError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{refused(), true},
		{syscall.EHOSTUNREACH, true},
		{fmt.Errorf("wrapped: %w", syscall.ENETUNREACH), true},
		{syscall.ECONNRESET, false},
		{errors.New("plain"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsConnectError(tt.err); got != tt.want {
			t.Errorf("IsConnectError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
