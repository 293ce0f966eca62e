package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
)

func newTestProvider(url string) *ClaudeProvider {
	return &ClaudeProvider{
		apiKey:  "test-key",
		baseURL: url,
		client:  http.DefaultClient,
	}
}

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := claudeResponse{
			ID: "msg_123",
			Content: []claudeContent{
				{Type: "text", Text: "Hello from Claude mock!"},
			},
			Usage: claudeUsage{
				InputTokens:  10,
				OutputTokens: 20,
			},
			Model: "claude-3-5-sonnet-20241022",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)

	req := &provider.Request{
		Model:     "claude-3-5-sonnet-20241022",
		Prompt:    "hi",
		MaxTokens: 100,
	}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from Claude mock!" {
		t.Errorf("Expected 'Hello from Claude mock!', got %s", resp.Content)
	}
	if resp.InputTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", resp.InputTokens)
	}
	if resp.OutputTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.OutputTokens)
	}
}

func TestComplete_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer server.Close()

	p := newTestProvider(server.URL)

	_, err := p.Complete(context.Background(), &provider.Request{Model: "claude-3-5-haiku-20241022", Prompt: "hi"})
	var statusErr *provider.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", statusErr.StatusCode)
	}
	if statusErr.Provider != "claude" {
		t.Errorf("Expected provider claude, got %s", statusErr.Provider)
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprintf(w, "event: message_start\n")
		fmt.Fprintf(w, "data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":12,\"output_tokens\":1}}}\n\n")

		fmt.Fprintf(w, "event: content_block_delta\n")
		data1, _ := json.Marshal(claudeStreamEvent{
			Type:  "content_block_delta",
			Delta: claudeDelta{Type: "text_delta", Text: "Hello"},
		})
		fmt.Fprintf(w, "data: %s\n\n", string(data1))

		fmt.Fprintf(w, "event: content_block_delta\n")
		data2, _ := json.Marshal(claudeStreamEvent{
			Type:  "content_block_delta",
			Delta: claudeDelta{Type: "text_delta", Text: " world!"},
		})
		fmt.Fprintf(w, "data: %s\n\n", string(data2))

		fmt.Fprintf(w, "event: message_delta\n")
		fmt.Fprintf(w, "data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":7}}\n\n")

		fmt.Fprintf(w, "event: message_stop\n")
		fmt.Fprintf(w, "data: {\"type\": \"message_stop\"}\n\n")
	}))
	defer server.Close()

	p := newTestProvider(server.URL)

	ch, err := p.CompleteStream(context.Background(), &provider.Request{Model: "claude-3-5-sonnet-20241022", Prompt: "hi"})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var content string
	var final *provider.Chunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("Received error from chunk: %v", chunk.Err)
		}
		if chunk.Done {
			final = chunk
			continue
		}
		content += chunk.Delta
	}

	if final == nil {
		t.Fatal("Expected stream to be done")
	}
	if content != "Hello world!" {
		t.Errorf("Expected 'Hello world!', got %s", content)
	}
	if final.Usage == nil || final.Usage.InputTokens != 12 || final.Usage.OutputTokens != 7 {
		t.Errorf("Expected usage 12/7, got %+v", final.Usage)
	}
}

func TestCompleteStream_ReportsInputTokensBeforeCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message_start\n")
		fmt.Fprintf(w, "data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":1200,\"output_tokens\":1}}}\n\n")
		fmt.Fprintf(w, "event: content_block_delta\n")
		fmt.Fprintf(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"partial\"}}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.CompleteStream(ctx, &provider.Request{Model: "claude-3-5-sonnet-20241022", Prompt: "hi"})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	first := <-ch
	if first == nil || first.Usage == nil || first.Usage.InputTokens != 1200 {
		t.Fatalf("Expected a usage chunk with 1200 input tokens, got %+v", first)
	}
	if first.Done || first.Delta != "" {
		t.Errorf("Usage chunk must not end the stream or carry text, got %+v", first)
	}

	second := <-ch
	if second == nil || second.Delta != "partial" {
		t.Fatalf("Expected delta 'partial', got %+v", second)
	}

	cancel()
	for range ch {
	}
}

func TestCompleteStream_StatusErrorIsSynchronous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)

	_, err := p.CompleteStream(context.Background(), &provider.Request{Model: "claude-3-5-sonnet-20241022", Prompt: "hi"})
	var statusErr *provider.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 StatusError, got %v", err)
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "claude" {
		t.Errorf("Expected 'claude', got %s", p.Name())
	}
}

func TestSupportedModels(t *testing.T) {
	p := New("key")
	models := p.SupportedModels()
	found := false
	for _, m := range models {
		if m == "claude-3-5-haiku-20241022" {
			found = true
			break
		}
	}
	if !found {
		t.Error("claude-3-5-haiku-20241022 should be in supported models")
	}
}

func TestSystemPromptMapping(t *testing.T) {
	var capturedReq claudeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &capturedReq)

		resp := claudeResponse{
			ID:      "msg_123",
			Content: []claudeContent{{Type: "text", Text: "ok"}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)

	req := &provider.Request{
		Model:        "claude-3-5-sonnet-20241022",
		SystemPrompt: "You are a resume writer.",
		Prompt:       "hi",
		Temperature:  0.7,
	}

	if _, err := p.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if capturedReq.System != "You are a resume writer." {
		t.Errorf("Expected system prompt to be mapped, got %s", capturedReq.System)
	}
	if len(capturedReq.Messages) != 1 || capturedReq.Messages[0].Role != "user" {
		t.Errorf("Expected a single user message, got %+v", capturedReq.Messages)
	}
	if capturedReq.MaxTokens != defaultMaxTokens {
		t.Errorf("Expected default max tokens %d, got %d", defaultMaxTokens, capturedReq.MaxTokens)
	}
	if capturedReq.Temperature != 0.7 {
		t.Errorf("Expected temperature 0.7, got %v", capturedReq.Temperature)
	}
}
