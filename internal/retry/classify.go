package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"slices"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
)

// DefaultRetryableStatus lists provider status codes worth another attempt.
var DefaultRetryableStatus = []int{408, 429, 500, 502, 503, 504}

// Classifier decides which attempt errors are transient.
type Classifier struct {
	RetryableStatus []int
}

func DefaultClassifier() Classifier {
	return Classifier{RetryableStatus: slices.Clone(DefaultRetryableStatus)}
}

func (c Classifier) Retryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}

	var tr *transientError
	if errors.As(err, &tr) {
		return true
	}

	var se *provider.StatusError
	if errors.As(err, &se) {
		return slices.Contains(c.RetryableStatus, se.StatusCode)
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
