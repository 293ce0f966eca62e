package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
)

func newTestProvider(url string) *GeminiProvider {
	return &GeminiProvider{
		apiKey:  "test-key",
		baseURL: url,
		client:  http.DefaultClient,
	}
}

func TestComplete_Mock(t *testing.T) {
	var captured geminiRequest
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)

		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{
					Content: geminiContent{
						Parts: []geminiPart{{Text: "Hello from mock!"}},
					},
				},
			},
			UsageMetadata: &geminiUsageMetadata{
				PromptTokenCount:     10,
				CandidatesTokenCount: 20,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)

	req := &provider.Request{
		Model:        "gemini-1.5-flash",
		SystemPrompt: "sys",
		Prompt:       "hi",
	}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from mock!" {
		t.Errorf("Expected 'Hello from mock!', got %s", resp.Content)
	}
	if resp.InputTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", resp.InputTokens)
	}
	if resp.OutputTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.OutputTokens)
	}
	if !strings.HasSuffix(path, "gemini-1.5-flash:generateContent") {
		t.Errorf("Unexpected request path %s", path)
	}
	if captured.SystemInstruction == nil || captured.SystemInstruction.Parts[0].Text != "sys" {
		t.Errorf("Expected system instruction to be mapped, got %+v", captured.SystemInstruction)
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		chunks := []string{"Hello", " world", "!"}
		for i, chunk := range chunks {
			resp := geminiResponse{
				Candidates: []geminiCandidate{
					{
						Content: geminiContent{
							Parts: []geminiPart{{Text: chunk}},
						},
					},
				},
				UsageMetadata: &geminiUsageMetadata{PromptTokenCount: 5, CandidatesTokenCount: i + 1},
			}
			data, _ := json.Marshal(resp)
			fmt.Fprintf(w, "data: %s\n\n", string(data))
		}
	}))
	defer server.Close()

	p := newTestProvider(server.URL)

	ch, err := p.CompleteStream(context.Background(), &provider.Request{Model: "gemini-1.5-pro", Prompt: "hi"})
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
	if final.Usage == nil || final.Usage.OutputTokens != 3 {
		t.Errorf("Expected last cumulative usage, got %+v", final.Usage)
	}
}
