package billing

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

const defaultEncoding = "cl100k_base"

// Estimator counts tokens locally for output the provider never reported,
// such as the delivered part of a cancelled stream. Counts are approximate
// for non-OpenAI models.
type Estimator struct {
	encoding string
	logger   *zap.Logger

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

func NewEstimator(logger *zap.Logger) *Estimator {
	return &Estimator{
		encoding: defaultEncoding,
		logger:   logger.With(zap.String("component", "billing.estimator")),
	}
}

// init loads the encoding on first use; it may need to download BPE data.
func (e *Estimator) init() error {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			e.initErr = fmt.Errorf("init tiktoken encoding %s: %w", e.encoding, err)
			return
		}
		e.enc = enc
	})
	return e.initErr
}

// CountTokens falls back to len/4 when the encoding is unavailable.
func (e *Estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := e.init(); err != nil {
		e.logger.Warn("tokenizer unavailable, falling back to estimate", zap.Error(err))
		return fallbackCount(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

func fallbackCount(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
