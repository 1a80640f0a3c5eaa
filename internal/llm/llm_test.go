package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pavelanni/courseai/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/v1", APIKey: "test", Model: "test-model", Timeout: timeout})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func chatResponse(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []any{map[string]any{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
	return string(b)
}

func streamChunk(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"created": 1,
		"model":   "test-model",
		"choices": []any{map[string]any{
			"index": 0,
			"delta": map[string]any{"content": content},
		}},
	})
	return string(b)
}

var turns = []model.ConversationTurn{
	model.System("You are helpful."),
	model.User("Say hello."),
}

type capturedRequest struct {
	Auth        string
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func TestComplete(t *testing.T) {
	reqs := make(chan capturedRequest, 1)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var got capturedRequest
		_ = json.NewDecoder(r.Body).Decode(&got)
		got.Auth = r.Header.Get("Authorization")
		reqs <- got
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatResponse("Hello!"))
	}, time.Second)

	out, err := c.Complete(context.Background(), turns)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "Hello!" {
		t.Errorf("Complete = %q, want %q", out, "Hello!")
	}
	got := <-reqs
	if got.Auth != "Bearer test" {
		t.Errorf("Authorization = %q", got.Auth)
	}
	if got.Model != "test-model" || got.MaxTokens != 2000 || got.Temperature != 0.7 {
		t.Errorf("unexpected request: %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Errorf("unexpected messages: %+v", got.Messages)
	}
}

func TestCompleteErrors(t *testing.T) {
	apiError := `{"error":{"message":"boom","type":"server_error"}}`
	tests := []struct {
		name   string
		status int
		body   string
		want   Kind
		target error
	}{
		{"bad request", http.StatusBadRequest, apiError, Rejected, ErrRejected},
		{"unauthorized", http.StatusUnauthorized, apiError, Rejected, ErrRejected},
		{"rate limited", http.StatusTooManyRequests, apiError, Unavailable, ErrUnavailable},
		{"server error", http.StatusInternalServerError, apiError, Unavailable, ErrUnavailable},
		{"bad gateway html", http.StatusBadGateway, "<html>bad gateway</html>", Unavailable, ErrUnavailable},
		{"gateway timeout", http.StatusGatewayTimeout, apiError, Timeout, ErrTimeout},
		{"no choices", http.StatusOK, `{"id":"x","choices":[]}`, Malformed, ErrMalformed},
		{"empty content", http.StatusOK, chatResponse("  "), Malformed, ErrMalformed},
		{"not json", http.StatusOK, "this is not json", Malformed, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}, time.Second)

			_, err := c.Complete(context.Background(), turns)
			if err == nil {
				t.Fatal("expected error")
			}
			var uerr *UpstreamError
			if !errors.As(err, &uerr) {
				t.Fatalf("expected *UpstreamError, got %T: %v", err, err)
			}
			if uerr.Kind != tt.want {
				t.Errorf("Kind = %s, want %s (err: %v)", uerr.Kind, tt.want, err)
			}
			if !errors.Is(err, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.target)
			}
		})
	}
}

func TestCompleteTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}, 50*time.Millisecond)

	start := time.Now()
	_, err := c.Complete(context.Background(), turns)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout was not enforced")
	}
}

func TestCompleteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url, Model: "m"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Complete(context.Background(), turns)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func sseHandler(chunks []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", streamChunk(c)); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}
}

func TestCompleteStreaming(t *testing.T) {
	c := newTestClient(t, sseHandler([]string{"Hel", "", "lo", ", world"}), time.Second)

	var sb strings.Builder
	var n int
	for chunk, err := range c.CompleteStreaming(context.Background(), turns) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		n++
		sb.WriteString(chunk)
	}
	if sb.String() != "Hello, world" {
		t.Errorf("streamed %q, want %q", sb.String(), "Hello, world")
	}
	if n != 3 {
		t.Errorf("got %d chunks, want 3 (empty deltas skipped)", n)
	}
}

func TestCompleteStreamingEarlyStop(t *testing.T) {
	c := newTestClient(t, sseHandler([]string{"a", "b", "c", "d"}), time.Second)

	var got []string
	for chunk, err := range c.CompleteStreaming(context.Background(), turns) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		got = append(got, chunk)
		if len(got) == 2 {
			break
		}
	}
	if strings.Join(got, "") != "ab" {
		t.Errorf("got %v", got)
	}
}

func TestCompleteStreamingOnce(t *testing.T) {
	c := newTestClient(t, sseHandler([]string{"x"}), time.Second)

	seq := c.CompleteStreaming(context.Background(), turns)
	for _, err := range seq {
		if err != nil {
			t.Fatalf("first range: %v", err)
		}
	}
	var second error
	for _, err := range seq {
		second = err
	}
	if second == nil {
		t.Error("second range should report the stream as consumed")
	}
}

func TestCompleteStreamingRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":{"message":"no","type":"forbidden"}}`)
	}, time.Second)

	var errs []error
	for chunk, err := range c.CompleteStreaming(context.Background(), turns) {
		if chunk != "" {
			t.Errorf("unexpected chunk %q", chunk)
		}
		errs = append(errs, err)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrRejected) {
		t.Fatalf("expected a single ErrRejected, got %v", errs)
	}
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"test-model","object":"model"}]}`)
	}, time.Second)

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{400, Rejected},
		{404, Rejected},
		{408, Timeout},
		{422, Rejected},
		{429, Unavailable},
		{500, Unavailable},
		{503, Unavailable},
		{504, Timeout},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := kindForStatus(tt.status); got != tt.want {
				t.Errorf("kindForStatus(%d) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestUpstreamErrorRetryable(t *testing.T) {
	for _, k := range []Kind{Timeout, Unavailable} {
		if !(&UpstreamError{Kind: k}).Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range []Kind{Rejected, Malformed} {
		if (&UpstreamError{Kind: k}).Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}
