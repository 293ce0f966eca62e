package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-orchestrator/internal/cache"
	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/provider/stub"
)

func collect(t *testing.T, s *Stream) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func chunkStream(chunks ...*provider.Chunk) func(ctx context.Context, req *provider.Request, call int) (<-chan *provider.Chunk, error) {
	return func(ctx context.Context, req *provider.Request, call int) (<-chan *provider.Chunk, error) {
		ch := make(chan *provider.Chunk)
		go func() {
			defer close(ch)
			for _, c := range chunks {
				if !provider.Send(ctx, ch, c) {
					return
				}
			}
		}()
		return ch, nil
	}
}

func TestGenerateStream_DeliversInOrderThenCaches(t *testing.T) {
	content := "First sentence. Second sentence. Third."
	env := newTestEnv(t, stub.NewWithContent(content), func(_ *Deps, o *Options) { o.DefaultModel = stub.Model })
	req := Request{Prompt: "Optimize resume X"}

	s, err := env.orch.GenerateStream(context.Background(), req)
	require.NoError(t, err)
	events := collect(t, s)

	require.Len(t, events, 4)
	var text strings.Builder
	for _, ev := range events[:3] {
		assert.Equal(t, EventChunk, ev.Type)
		text.WriteString(ev.Text)
	}
	assert.Equal(t, content, text.String())

	end := events[3]
	assert.Equal(t, EventEnd, end.Type)
	require.NotNil(t, end.Validation)
	assert.True(t, end.Validation.Valid)
	require.NotNil(t, end.Usage)
	assert.Equal(t, 5, end.Usage.OutputTokens)
	assert.Equal(t, EventEnd, s.Final().Type)

	res, err := env.orch.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.CacheHit, "completed stream is stored under the request key")
	assert.Equal(t, content, res.Content)
}

func TestGenerateStream_SkipsCacheLookup(t *testing.T) {
	p := &mockProvider{streamFn: chunkStream(&provider.Chunk{Delta: "fresh"}, &provider.Chunk{Done: true})}
	env := newTestEnv(t, p)
	req := Request{Prompt: "x"}

	normalized := Request{Prompt: "x", Model: "m1", MaxTokens: 500}
	env.cache.Put(context.Background(), &cache.Entry{Key: normalized.Key(), Content: "stale"})

	s, err := env.orch.GenerateStream(context.Background(), req)
	require.NoError(t, err)
	events := collect(t, s)

	assert.Equal(t, "fresh", events[0].Text)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestGenerateStream_CancelStopsWithoutCaching(t *testing.T) {
	p := &mockProvider{streamFn: func(ctx context.Context, req *provider.Request, call int) (<-chan *provider.Chunk, error) {
		ch := make(chan *provider.Chunk)
		go func() {
			defer close(ch)
			if !provider.Send(ctx, ch, &provider.Chunk{Delta: "partial "}) {
				return
			}
			<-ctx.Done()
		}()
		return ch, nil
	}}
	env := newTestEnv(t, p)
	req := Request{Prompt: "x"}

	s, err := env.orch.GenerateStream(context.Background(), req)
	require.NoError(t, err)

	first := <-s.Events()
	assert.Equal(t, "partial ", first.Text)
	s.Cancel()
	s.Cancel()

	collect(t, s)
	<-s.Done()
	assert.Equal(t, EventCancelled, s.Final().Type)
	assert.Nil(t, s.Final().Usage)

	_, ok := env.cache.Get(context.Background(), req.Key())
	assert.False(t, ok, "cancelled stream must not be cached")
	assert.Equal(t, 0, env.orch.UsageSummary().TotalRequests)
}

func TestGenerateStream_CancelRecordsReportedUsage(t *testing.T) {
	p := &mockProvider{streamFn: func(ctx context.Context, req *provider.Request, call int) (<-chan *provider.Chunk, error) {
		ch := make(chan *provider.Chunk)
		go func() {
			defer close(ch)
			c := &provider.Chunk{Delta: "partial", Usage: &provider.Usage{InputTokens: 12, OutputTokens: 3}}
			if !provider.Send(ctx, ch, c) {
				return
			}
			<-ctx.Done()
		}()
		return ch, nil
	}}
	env := newTestEnv(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := env.orch.GenerateStream(ctx, Request{Prompt: "x"})
	require.NoError(t, err)

	<-s.Events()
	cancel()
	collect(t, s)

	final := s.Final()
	assert.Equal(t, EventCancelled, final.Type)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 12, final.Usage.InputTokens)
	assert.Equal(t, 1, env.orch.UsageSummary().TotalRequests)
}

func TestGenerateStream_CancelKeepsUsageReportedBeforeText(t *testing.T) {
	p := &mockProvider{streamFn: func(ctx context.Context, req *provider.Request, call int) (<-chan *provider.Chunk, error) {
		ch := make(chan *provider.Chunk)
		go func() {
			defer close(ch)
			chunks := []*provider.Chunk{
				{Usage: &provider.Usage{InputTokens: 1200, OutputTokens: 1}, Provider: "claude"},
				{Delta: "partial", Provider: "claude"},
			}
			for _, c := range chunks {
				if !provider.Send(ctx, ch, c) {
					return
				}
			}
			<-ctx.Done()
		}()
		return ch, nil
	}}
	env := newTestEnv(t, p)

	s, err := env.orch.GenerateStream(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)

	first := <-s.Events()
	assert.Equal(t, "partial", first.Text, "usage-only chunks produce no event")
	s.Cancel()
	collect(t, s)

	final := s.Final()
	assert.Equal(t, EventCancelled, final.Type)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 1200, final.Usage.InputTokens)
	assert.Equal(t, "claude", final.Usage.Provider)
	assert.Equal(t, 1200, env.orch.UsageSummary().TotalInputTokens)
}

func TestGenerateStream_RecordsServingProvider(t *testing.T) {
	p := &mockProvider{streamFn: chunkStream(
		&provider.Chunk{Delta: "done", Provider: "openai"},
		&provider.Chunk{Done: true, Usage: &provider.Usage{InputTokens: 4, OutputTokens: 1}, Provider: "openai"},
	)}
	env := newTestEnv(t, p)

	s, err := env.orch.GenerateStream(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	collect(t, s)

	final := s.Final()
	require.Equal(t, EventEnd, final.Type)
	require.NotNil(t, final.Usage)
	assert.Equal(t, "openai", final.Usage.Provider)
}

func TestGenerateStream_MidStreamFailure(t *testing.T) {
	p := &mockProvider{streamFn: chunkStream(
		&provider.Chunk{Delta: "a"},
		&provider.Chunk{Err: &provider.StatusError{Provider: "mock", StatusCode: 500}},
	)}
	env := newTestEnv(t, p)
	req := Request{Prompt: "x"}

	s, err := env.orch.GenerateStream(context.Background(), req)
	require.NoError(t, err)
	events := collect(t, s)

	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Type)
	assert.Error(t, events[1].Err)
	assert.Equal(t, int32(1), p.calls.Load(), "mid-stream failures are not retried")
	_, ok := env.cache.Get(context.Background(), req.Key())
	assert.False(t, ok)
}

func TestGenerateStream_TruncatedStreamIsError(t *testing.T) {
	p := &mockProvider{streamFn: chunkStream(&provider.Chunk{Delta: "a"})}
	env := newTestEnv(t, p)

	s, err := env.orch.GenerateStream(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	collect(t, s)

	assert.Equal(t, EventError, s.Final().Type)
}

func TestGenerateStream_SetupIsRetried(t *testing.T) {
	ok := chunkStream(&provider.Chunk{Delta: "hi"}, &provider.Chunk{Done: true, Usage: &provider.Usage{InputTokens: 1, OutputTokens: 1}})
	p := &mockProvider{streamFn: func(ctx context.Context, req *provider.Request, call int) (<-chan *provider.Chunk, error) {
		if call == 1 {
			return nil, &provider.StatusError{Provider: "mock", StatusCode: 503}
		}
		return ok(ctx, req, call)
	}}
	env := newTestEnv(t, p)

	s, err := env.orch.GenerateStream(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	collect(t, s)

	assert.Equal(t, EventEnd, s.Final().Type)
	assert.Equal(t, int32(2), p.calls.Load())
	assert.Len(t, env.sleeps.delays, 1)
}

func TestGenerateStream_SetupPermanentFailure(t *testing.T) {
	p := &mockProvider{streamFn: func(ctx context.Context, req *provider.Request, call int) (<-chan *provider.Chunk, error) {
		return nil, &provider.StatusError{Provider: "mock", StatusCode: 400}
	}}
	env := newTestEnv(t, p)

	s, err := env.orch.GenerateStream(context.Background(), Request{Prompt: "x"})
	assert.Nil(t, s)
	assert.Error(t, err)
}

func TestGenerateStream_BackpressureKeepsOrder(t *testing.T) {
	var chunks []*provider.Chunk
	var want strings.Builder
	for i := 0; i < 100; i++ {
		d := string(rune('a' + i%26))
		chunks = append(chunks, &provider.Chunk{Delta: d})
		want.WriteString(d)
	}
	chunks = append(chunks, &provider.Chunk{Done: true})
	p := &mockProvider{streamFn: chunkStream(chunks...)}
	env := newTestEnv(t, p, func(_ *Deps, o *Options) { o.StreamBuffer = 2 })

	s, err := env.orch.GenerateStream(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)

	var got strings.Builder
	for ev := range s.Events() {
		if ev.Type == EventChunk {
			got.WriteString(ev.Text)
			time.Sleep(100 * time.Microsecond)
		}
	}
	assert.Equal(t, want.String(), got.String())
}
