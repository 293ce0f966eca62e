package orchestrator

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is a step of a generation. Transitions are recorded as span events.
type State string

const (
	StateInit         State = "INIT"
	StateCacheCheck   State = "CACHE_CHECK"
	StateHit          State = "HIT"
	StateMiss         State = "MISS"
	StateRateWait     State = "RATE_WAIT"
	StateProviderCall State = "PROVIDER_CALL"
	StateSuccess      State = "SUCCESS"
	StateFailure      State = "FAILURE"
	StateValidate     State = "VALIDATE"
	StateCacheStore   State = "CACHE_STORE"
	StateDone         State = "DONE"
	StateError        State = "ERROR"

	StateStreamStart     State = "STREAM_START"
	StateStreamEnd       State = "STREAM_END"
	StateStreamError     State = "STREAM_ERROR"
	StateStreamCancelled State = "STREAM_CANCELLED"
)

// tracker follows one request through its states.
type tracker struct {
	span   trace.Span
	logger *zap.Logger
	state  State
	path   []State
}

func newTracker(ctx context.Context, logger *zap.Logger) *tracker {
	return &tracker{
		span:   trace.SpanFromContext(ctx),
		logger: logger,
		state:  StateInit,
		path:   []State{StateInit},
	}
}

func (t *tracker) to(s State) {
	t.span.AddEvent("state", trace.WithAttributes(
		attribute.String("from", string(t.state)),
		attribute.String("to", string(s)),
	))
	t.logger.Debug("state transition", zap.String("from", string(t.state)), zap.String("to", string(s)))
	t.state = s
	t.path = append(t.path, s)
}

// String renders the states visited so far, e.g. INIT->CACHE_CHECK->HIT->DONE.
func (t *tracker) String() string {
	parts := make([]string, len(t.path))
	for i, s := range t.path {
		parts[i] = string(s)
	}
	return strings.Join(parts, "->")
}
