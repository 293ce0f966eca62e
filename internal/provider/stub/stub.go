// Package stub is an offline provider used in lite mode, when no provider API
// key is configured. It never touches the network.
package stub

import (
	"context"
	"strings"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
)

const Model = "stub-lite"

const cannedResponse = "Lite mode stub response. This environment does not contact external LLMs. " +
	"The request was received and processed locally for offline testing."

type StubProvider struct {
	content string
}

func New() provider.Provider {
	return &StubProvider{content: cannedResponse}
}

// NewWithContent returns a stub that replies with content instead of the canned text.
func NewWithContent(content string) provider.Provider {
	return &StubProvider{content: content}
}

func (p *StubProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &provider.Response{
		Content:      p.content,
		InputTokens:  wordCount(req.SystemPrompt) + wordCount(req.Prompt),
		OutputTokens: wordCount(p.content),
		Model:        req.Model,
		Provider:     p.Name(),
	}, nil
}

// CompleteStream emits the reply one sentence at a time.
func (p *StubProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		for _, s := range splitSentences(p.content) {
			if !provider.Send(ctx, ch, &provider.Chunk{Delta: s}) {
				return
			}
		}
		provider.Send(ctx, ch, &provider.Chunk{
			Done: true,
			Usage: &provider.Usage{
				InputTokens:  wordCount(req.SystemPrompt) + wordCount(req.Prompt),
				OutputTokens: wordCount(p.content),
			},
		})
	}()
	return ch, nil
}

func (p *StubProvider) Name() string {
	return "stub"
}

func (p *StubProvider) SupportedModels() []string {
	return []string{Model}
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// splitSentences keeps the separators so that joining the parts restores s.
func splitSentences(s string) []string {
	parts := strings.SplitAfter(s, ". ")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
