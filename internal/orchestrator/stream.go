package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-orchestrator/internal/billing"
	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
	"github.com/vnmchuo/llm-orchestrator/internal/validate"
)

type EventType int

const (
	EventChunk EventType = iota
	EventEnd
	EventError
	EventCancelled
)

func (t EventType) String() string {
	switch t {
	case EventChunk:
		return "chunk"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	case EventCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Event is one item of a stream. Exactly one terminal event (End, Error or
// Cancelled) ends every stream.
type Event struct {
	Type       EventType
	Text       string
	Usage      *billing.UsageRecord
	Validation *validate.Result
	Err        error
}

func (e Event) Terminal() bool {
	return e.Type != EventChunk
}

// Stream delivers a generation incrementally. Events are delivered in the
// order the provider produced them; the channel is closed after the terminal
// event.
type Stream struct {
	RequestID string

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	final Event
}

func (s *Stream) Events() <-chan Event {
	return s.events
}

// Cancel stops production. It is safe to call more than once and after the
// stream ended.
func (s *Stream) Cancel() {
	s.cancel()
}

// Done is closed once the producer has finished.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Final returns the terminal event. It is only meaningful after Done.
func (s *Stream) Final() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// GenerateStream starts a streaming generation. It returns once the provider
// accepted the request; rate limiting and opening the stream are retried like
// Generate. Streams never read from the cache, but a completed stream stores
// its sanitized text under the same key Generate uses.
func (o *Orchestrator) GenerateStream(ctx context.Context, req Request) (*Stream, error) {
	req, err := o.normalize(req)
	if err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	streamCtx, cancel := context.WithCancel(ctx)
	streamCtx, span := o.tracer.Start(streamCtx, "orchestrator.GenerateStream", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("llm.model", req.Model),
	))

	logger := o.logger.With(zap.String("request_id", requestID), zap.String("model", req.Model), zap.Bool("stream", true))
	st := newTracker(streamCtx, logger)

	fail := func(err error) (*Stream, error) {
		st.to(StateStreamError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		cancel()
		o.metrics.Request(req.Model, "stream", "error")
		logger.Error("stream setup failed", zap.Error(err))
		return nil, err
	}

	st.to(StateRateWait)
	if err := o.admit(streamCtx, req, logger); err != nil {
		return fail(err)
	}

	st.to(StateProviderCall)
	preq := o.providerRequest(req, requestID, true)
	start := time.Now()
	chunks, attempts, err := retry.Run(streamCtx, o.retry, func(ctx context.Context) (<-chan *provider.Chunk, error) {
		return o.provider.CompleteStream(ctx, preq)
	})
	span.SetAttributes(attribute.Int("retry.attempts", attempts))
	if err != nil {
		return fail(fmt.Errorf("open stream: %w", err))
	}
	st.to(StateStreamStart)

	s := &Stream{
		RequestID: requestID,
		events:    make(chan Event, o.opts.StreamBuffer),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	p := &streamProducer{
		o:         o,
		req:       req,
		requestID: requestID,
		stream:    s,
		chunks:    chunks,
		tracker:   st,
		span:      span,
		logger:    logger,
		start:     start,
	}
	o.metrics.StreamStarted()
	go p.run(streamCtx)

	return s, nil
}

type streamProducer struct {
	o         *Orchestrator
	req       Request
	requestID string
	stream    *Stream
	chunks    <-chan *provider.Chunk
	tracker   *tracker
	span      trace.Span
	logger    *zap.Logger
	start     time.Time

	text     strings.Builder
	reported *provider.Usage
	served   string
}

// observe keeps the latest usage report and the name of the serving provider.
// It runs before any cancellation check so billed tokens are never lost.
func (p *streamProducer) observe(c *provider.Chunk) {
	if c.Usage != nil {
		p.reported = c.Usage
	}
	if c.Provider != "" {
		p.served = c.Provider
	}
}

func (p *streamProducer) providerName() string {
	if p.served != "" {
		return p.served
	}
	return p.o.provider.Name()
}

func (p *streamProducer) run(ctx context.Context) {
	defer func() {
		p.o.metrics.StreamFinished()
		p.span.End()
		p.stream.cancel()
		close(p.stream.events)
		close(p.stream.done)
	}()

	for {
		select {
		case <-ctx.Done():
			p.cancelled(ctx)
			return
		case c, ok := <-p.chunks:
			if ok {
				p.observe(c)
			}
			if ctx.Err() != nil {
				p.cancelled(ctx)
				return
			}
			if !ok {
				p.failed(ctx, fmt.Errorf("stream ended without completion: %w", io.ErrUnexpectedEOF))
				return
			}
			if c.Err != nil {
				p.failed(ctx, c.Err)
				return
			}
			if c.Delta != "" {
				p.text.WriteString(c.Delta)
				if !p.emit(ctx, Event{Type: EventChunk, Text: c.Delta}) {
					p.cancelled(ctx)
					return
				}
			}
			if c.Done {
				p.completed(ctx)
				return
			}
		}
	}
}

// emit blocks until the consumer takes ev or ctx is done.
func (p *streamProducer) emit(ctx context.Context, ev Event) bool {
	select {
	case p.stream.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish records the terminal event and delivers it without blocking past
// cancellation.
func (p *streamProducer) finish(ctx context.Context, ev Event) {
	p.stream.mu.Lock()
	p.stream.final = ev
	p.stream.mu.Unlock()

	if ctx.Err() == nil && p.emit(ctx, ev) {
		return
	}
	select {
	case p.stream.events <- ev:
	default:
	}
}

func (p *streamProducer) completed(ctx context.Context) {
	p.tracker.to(StateValidate)
	v := p.o.validator.Validate(p.text.String())
	p.o.metrics.Validation(v.Valid, v.QualityScore)

	var in, out int
	if p.reported != nil {
		in, out = p.reported.InputTokens, p.reported.OutputTokens
	} else if p.o.estimator != nil {
		in, out = p.estimate()
	}
	usage := p.o.accountant.Add(billing.UsageRecord{
		RequestID:    p.requestID,
		Provider:     p.providerName(),
		Model:        p.req.Model,
		InputTokens:  in,
		OutputTokens: out,
		LatencyMs:    time.Since(p.start).Milliseconds(),
	})
	p.o.metrics.Usage(p.req.Model, usage.InputTokens, usage.OutputTokens, usage.CostUSD)

	// A cancel that raced the final chunk wins: nothing is cached.
	if ctx.Err() == nil {
		p.tracker.to(StateCacheStore)
		p.o.storeInCache(context.WithoutCancel(ctx), p.req.Key(), v.Sanitized, usage)
	}

	p.tracker.to(StateStreamEnd)
	p.o.metrics.Request(p.req.Model, "stream", "success")
	p.logger.Info("stream completed",
		zap.Int("output_tokens", usage.OutputTokens),
		zap.Float64("cost_usd", usage.CostUSD),
		zap.Bool("valid", v.Valid),
		zap.String("path", p.tracker.String()),
	)
	p.finish(ctx, Event{Type: EventEnd, Usage: &usage, Validation: &v})
}

func (p *streamProducer) failed(ctx context.Context, err error) {
	p.tracker.to(StateStreamError)
	p.span.RecordError(err)
	p.span.SetStatus(codes.Error, err.Error())
	p.recordPartialUsage(false)
	p.o.metrics.Request(p.req.Model, "stream", "error")
	p.logger.Error("stream failed", zap.Error(err), zap.Int("delivered_bytes", p.text.Len()), zap.String("path", p.tracker.String()))
	p.finish(ctx, Event{Type: EventError, Err: err})
}

func (p *streamProducer) cancelled(ctx context.Context) {
	p.tracker.to(StateStreamCancelled)
	usage := p.recordPartialUsage(p.o.opts.EstimateCancelledUsage)
	p.o.metrics.Request(p.req.Model, "stream", "cancelled")
	p.logger.Info("stream cancelled", zap.Int("delivered_bytes", p.text.Len()), zap.String("path", p.tracker.String()))
	p.finish(ctx, Event{Type: EventCancelled, Usage: usage})
}

// recordPartialUsage bills an unfinished stream when the provider reported
// usage, or from a local estimate when allowed.
func (p *streamProducer) recordPartialUsage(estimate bool) *billing.UsageRecord {
	var in, out int
	switch {
	case p.reported != nil:
		in, out = p.reported.InputTokens, p.reported.OutputTokens
	case estimate && p.o.estimator != nil:
		in, out = p.estimate()
	default:
		return nil
	}
	usage := p.o.accountant.Add(billing.UsageRecord{
		RequestID:    p.requestID,
		Provider:     p.providerName(),
		Model:        p.req.Model,
		InputTokens:  in,
		OutputTokens: out,
		LatencyMs:    time.Since(p.start).Milliseconds(),
	})
	p.o.metrics.Usage(p.req.Model, usage.InputTokens, usage.OutputTokens, usage.CostUSD)
	return &usage
}

func (p *streamProducer) estimate() (int, int) {
	in := p.o.estimator.CountTokens(p.req.SystemPrompt) + p.o.estimator.CountTokens(p.req.Prompt)
	out := p.o.estimator.CountTokens(p.text.String())
	return in, out
}
