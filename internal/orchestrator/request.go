package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vnmchuo/llm-orchestrator/internal/billing"
	"github.com/vnmchuo/llm-orchestrator/internal/cache"
	"github.com/vnmchuo/llm-orchestrator/internal/validate"
)

var ErrInvalidRequest = errors.New("invalid generation request")

type Request struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Model        string  `json:"model,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature"`
}

func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.Prompt) == "":
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	case r.Model == "":
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	case r.MaxTokens <= 0:
		return fmt.Errorf("%w: max_tokens must be positive, got %d", ErrInvalidRequest, r.MaxTokens)
	case r.Temperature < 0 || r.Temperature > 2:
		return fmt.Errorf("%w: temperature must be in [0,2], got %g", ErrInvalidRequest, r.Temperature)
	}
	return nil
}

// Key is the cache fingerprint of the request.
func (r Request) Key() cache.Key {
	return cache.NewKey(r.Prompt, r.SystemPrompt, r.Model, r.MaxTokens, r.Temperature)
}

type Result struct {
	RequestID  string              `json:"request_id"`
	Content    string              `json:"content"`
	Usage      billing.UsageRecord `json:"usage"`
	Validation validate.Result     `json:"validation"`
	CacheHit   bool                `json:"cache_hit"`
	Attempts   int                 `json:"attempts"`
}
