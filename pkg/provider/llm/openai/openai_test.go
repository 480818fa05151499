package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/voxnote/pkg/provider/llm"
)

// TestConvertMessage_Roles checks that every supported role converts.
func TestConvertMessage_Roles(t *testing.T) {
	t.Parallel()

	sys, err := convertMessage(llm.Message{Role: "system", Content: "rules"})
	if err != nil || sys.OfSystem == nil {
		t.Fatalf("system: param=%+v err=%v", sys, err)
	}
	usr, err := convertMessage(llm.Message{Role: "user", Content: "hello"})
	if err != nil || usr.OfUser == nil {
		t.Fatalf("user: param=%+v err=%v", usr, err)
	}
	asst, err := convertMessage(llm.Message{Role: "assistant", Content: "hi"})
	if err != nil || asst.OfAssistant == nil {
		t.Fatalf("assistant: param=%+v err=%v", asst, err)
	}
}

// TestConvertMessage_UnknownRole checks that unknown roles return an error.
func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()

	if _, err := convertMessage(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "grok-3"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("key", "grok-3", WithRoute("sniffed")); err == nil {
		t.Error("expected error for invalid route")
	}
}

func TestNew_DefaultModelPerRoute(t *testing.T) {
	t.Parallel()

	direct, err := New("key", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if direct.Model() != DefaultDirectModel || direct.Route() != RouteDirect {
		t.Errorf("direct: model=%q route=%q", direct.Model(), direct.Route())
	}

	gw, err := New("key", "", WithRoute(RouteGateway))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if gw.Model() != DefaultGatewayModel {
		t.Errorf("gateway model=%q, want %q", gw.Model(), DefaultGatewayModel)
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model   string
		context int
	}{
		{"grok-3-mini", 131_072},
		{"x-ai/grok-3-mini", 131_072},
		{"grok-4", 256_000},
		{"gpt-4o-mini", 128_000},
		{"gpt-4", 8_192},
		{"something-else", 128_000},
	}
	for _, tt := range tests {
		caps := modelCapabilities(tt.model)
		if caps.ContextWindow != tt.context {
			t.Errorf("%s: context window=%d, want %d", tt.model, caps.ContextWindow, tt.context)
		}
		if !caps.SupportsStreaming {
			t.Errorf("%s: expected SupportsStreaming", tt.model)
		}
	}
}

// captured records what the fake endpoint received.
type captured struct {
	mu      sync.Mutex
	path    string
	headers http.Header
	body    map[string]any
}

func fakeEndpoint(t *testing.T, status int, response string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.path = r.URL.Path
		c.headers = r.Header.Clone()
		_ = json.Unmarshal(raw, &c.body)
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

const okResponse = `{
  "id": "cmpl-1",
  "object": "chat.completion",
  "created": 1,
  "model": "x-ai/grok-3-mini",
  "choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "In the meeting we decided to buy 100 GPUs."}}],
  "usage": {"prompt_tokens": 10, "completion_tokens": 9, "total_tokens": 19}
}`

func TestComplete_GatewaySendsAttributionHeaders(t *testing.T) {
	t.Parallel()

	srv, got := fakeEndpoint(t, http.StatusOK, okResponse)
	p, err := New("sk-test", "",
		WithRoute(RouteGateway),
		WithBaseURL(srv.URL),
		WithAttribution("https://voxnote.example", "voxnote"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "fix it",
		Messages:     []llm.Message{{Role: "user", Content: "500 sorry 100 gpus"}},
		MaxTokens:    1000,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "In the meeting we decided to buy 100 GPUs." {
		t.Errorf("content=%q", resp.Content)
	}
	if resp.Usage.TotalTokens != 19 {
		t.Errorf("total tokens=%d, want 19", resp.Usage.TotalTokens)
	}

	got.mu.Lock()
	defer got.mu.Unlock()
	if !strings.HasSuffix(got.path, "/chat/completions") {
		t.Errorf("path=%q", got.path)
	}
	if h := got.headers.Get("HTTP-Referer"); h != "https://voxnote.example" {
		t.Errorf("HTTP-Referer=%q", h)
	}
	if h := got.headers.Get("X-Title"); h != "voxnote" {
		t.Errorf("X-Title=%q", h)
	}
	if h := got.headers.Get("Authorization"); h != "Bearer sk-test" {
		t.Errorf("Authorization=%q", h)
	}
	if got.body["model"] != DefaultGatewayModel {
		t.Errorf("model=%v", got.body["model"])
	}
	if temp, ok := got.body["temperature"].(float64); !ok || temp != 0 {
		t.Errorf("temperature=%v, want explicit 0", got.body["temperature"])
	}
}

func TestComplete_DirectOmitsAttributionHeaders(t *testing.T) {
	t.Parallel()

	srv, got := fakeEndpoint(t, http.StatusOK, okResponse)
	p, err := New("xai-test", "grok-3-mini",
		WithBaseURL(srv.URL),
		WithAttribution("https://voxnote.example", "voxnote"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got.mu.Lock()
	defer got.mu.Unlock()
	if h := got.headers.Get("HTTP-Referer"); h != "" {
		t.Errorf("direct route sent HTTP-Referer=%q", h)
	}
}

func TestComplete_SurfacesStatus(t *testing.T) {
	t.Parallel()

	srv, _ := fakeEndpoint(t, http.StatusUnauthorized,
		`{"error": {"message": "invalid key", "type": "invalid_request_error"}}`)
	p, err := New("bad", "grok-3-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	})
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error %q does not mention the status code", err)
	}
}

func TestBuildParams_NoMessages(t *testing.T) {
	t.Parallel()

	p, err := New("key", "grok-3-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Error("expected error for empty request")
	}
}
