package proxy

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
)

type MockProvider struct {
	name            string
	supportedModels []string
	completeErr     error
	streamErr       error
}

func (m *MockProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	return &provider.Response{
		Content:      "mock",
		Provider:     m.name,
		Model:        req.Model,
		InputTokens:  10,
		OutputTokens: 20,
	}, nil
}

func (m *MockProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk, 2)
	if m.streamErr != nil {
		ch <- &provider.Chunk{Err: m.streamErr}
	} else {
		ch <- &provider.Chunk{Delta: "mock"}
		ch <- &provider.Chunk{Done: true}
	}
	close(ch)
	return ch, nil
}

func (m *MockProvider) Name() string              { return m.name }
func (m *MockProvider) SupportedModels() []string { return m.supportedModels }

func TestRoute_ModelSpecific(t *testing.T) {
	p1 := &MockProvider{name: "gpt4-provider", supportedModels: []string{"gpt-4"}}
	p2 := &MockProvider{name: "claude-provider", supportedModels: []string{"claude-3"}}

	router := NewRouter([]provider.Provider{p1, p2})

	p, err := router.Route(&provider.Request{Model: "claude-3"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if p.Name() != "claude-provider" {
		t.Errorf("Expected claude-provider, got %s", p.Name())
	}
}

func TestRoute_UnsupportedModelIsPermanent(t *testing.T) {
	router := NewRouter([]provider.Provider{&MockProvider{name: "p1", supportedModels: []string{"gpt-4"}}})

	_, err := router.Route(&provider.Request{Model: "llama"})
	if !errors.Is(err, ErrUnsupportedModel) {
		t.Fatalf("Expected ErrUnsupportedModel, got %v", err)
	}
	var perm *retry.PermanentError
	if !errors.As(err, &perm) {
		t.Errorf("Expected a permanent error, got %T", err)
	}
}

func TestRoute_CircuitBreakerOpen(t *testing.T) {
	p1 := &MockProvider{name: "bad-provider", supportedModels: []string{"m"}, completeErr: errors.New("fail")}
	p2 := &MockProvider{name: "good-provider", supportedModels: []string{"m"}}

	router := NewRouter([]provider.Provider{p1, p2})

	// Trip p1
	for i := 0; i < 3; i++ {
		router.Execute(context.Background(), &provider.Request{Model: "m"}, p1)
	}

	p, err := router.Route(&provider.Request{Model: "m"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if p.Name() != "good-provider" {
		t.Errorf("Expected good-provider because bad-provider should be tripped, got %s", p.Name())
	}
	if got := router.BreakerStates()["bad-provider"]; got != "open" {
		t.Errorf("Expected bad-provider breaker open, got %s", got)
	}
}

func TestRoute_AllProvidersDown(t *testing.T) {
	p1 := &MockProvider{name: "p1", supportedModels: []string{"m"}, completeErr: errors.New("fail")}

	router := NewRouter([]provider.Provider{p1})

	for i := 0; i < 3; i++ {
		router.Execute(context.Background(), &provider.Request{Model: "m"}, p1)
	}

	_, err := router.Route(&provider.Request{Model: "m"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Expected open-state error, got %v", err)
	}
	if !retry.DefaultClassifier().Retryable(err) {
		t.Errorf("Expected an open breaker to be retryable")
	}
}

func TestExecute_ClientErrorsDoNotTrip(t *testing.T) {
	p1 := &MockProvider{name: "p1", supportedModels: []string{"m"},
		completeErr: &provider.StatusError{Provider: "p1", StatusCode: 400, Body: "bad request"}}

	router := NewRouter([]provider.Provider{p1})
	for i := 0; i < 5; i++ {
		if _, err := router.Complete(context.Background(), &provider.Request{Model: "m"}); err == nil {
			t.Fatal("Expected error from provider")
		}
	}
	if got := router.BreakerStates()["p1"]; got != "closed" {
		t.Errorf("Expected breaker to stay closed on 400s, got %s", got)
	}
}

func TestExecuteStream_ReportsOutcome(t *testing.T) {
	bad := &MockProvider{name: "bad", supportedModels: []string{"m"}, streamErr: errors.New("reset")}
	router := NewRouter([]provider.Provider{bad})

	for i := 0; i < 3; i++ {
		ch, err := router.CompleteStream(context.Background(), &provider.Request{Model: "m"})
		if err != nil {
			t.Fatalf("CompleteStream failed: %v", err)
		}
		for range ch {
		}
	}
	if got := router.BreakerStates()["bad"]; got != "open" {
		t.Errorf("Expected breaker open after failed streams, got %s", got)
	}

	if _, err := router.CompleteStream(context.Background(), &provider.Request{Model: "m"}); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Expected open-state error, got %v", err)
	}
}

func TestExecuteStream_ForwardsChunks(t *testing.T) {
	router := NewRouter([]provider.Provider{&MockProvider{name: "p", supportedModels: []string{"m"}}})

	ch, err := router.CompleteStream(context.Background(), &provider.Request{Model: "m"})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}
	var text string
	var done bool
	for c := range ch {
		if c.Provider != "p" {
			t.Errorf("Expected chunk stamped with provider 'p', got %q", c.Provider)
		}
		text += c.Delta
		done = done || c.Done
	}
	if text != "mock" || !done {
		t.Errorf("Expected text 'mock' and done, got %q done=%v", text, done)
	}
}

func TestSupportedModels_Union(t *testing.T) {
	router := NewRouter([]provider.Provider{
		&MockProvider{name: "a", supportedModels: []string{"m1", "m2"}},
		&MockProvider{name: "b", supportedModels: []string{"m2", "m3"}},
	})

	got := router.SupportedModels()
	slices.Sort(got)
	if !slices.Equal(got, []string{"m1", "m2", "m3"}) {
		t.Errorf("Unexpected models: %v", got)
	}
}
