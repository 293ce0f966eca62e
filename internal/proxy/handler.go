package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-orchestrator/internal/billing"
	"github.com/vnmchuo/llm-orchestrator/internal/cache"
	"github.com/vnmchuo/llm-orchestrator/internal/orchestrator"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
	"github.com/vnmchuo/llm-orchestrator/internal/validate"
	"github.com/vnmchuo/llm-orchestrator/pkg/ratelimit"
)

const maxBatchSize = 100

// Service is the part of the orchestrator the HTTP layer drives.
type Service interface {
	Generate(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	GenerateStream(ctx context.Context, req orchestrator.Request) (*orchestrator.Stream, error)
	GenerateBatch(ctx context.Context, reqs []orchestrator.Request, maxConcurrent int) []orchestrator.BatchResult
	CacheStats(ctx context.Context) (cache.Stats, error)
	CacheClear(ctx context.Context) error
	CacheInvalidate(ctx context.Context, req orchestrator.Request) error
	RateLimitStatus() ratelimit.Status
	QuotaStatus(ctx context.Context, model string) (*extratelimit.Result, error)
	UsageSummary() billing.Summary
	UsageRecent(n int) []billing.UsageRecord
	UsageExport() billing.Export
	UsageReset() billing.Summary
}

type Handler struct {
	svc      Service
	breakers *Router
	history  billing.Store
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewHandler wires the HTTP surface. breakers and history may be nil.
func NewHandler(svc Service, breakers *Router, history billing.Store, tracer trace.Tracer, logger *zap.Logger) *Handler {
	return &Handler{
		svc:      svc,
		breakers: breakers,
		history:  history,
		tracer:   tracer,
		logger:   logger.With(zap.String("component", "http")),
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a generation error to the HTTP status and body the client sees.
func statusFor(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, ratelimit.ErrRateLimitTimeout), errors.Is(err, ratelimit.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorResponse{Error: err.Error(), Retryable: true}
	case errors.Is(err, ErrUnsupportedModel):
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, context.Canceled):
		return 499, errorResponse{Error: "request cancelled"}
	case errors.Is(err, retry.ErrExhaustedRetries):
		return http.StatusServiceUnavailable, errorResponse{Error: "generation temporarily unavailable", Retryable: true}
	default:
		var perm *retry.PermanentError
		if errors.As(err, &perm) {
			return http.StatusServiceUnavailable, errorResponse{Error: "generation temporarily unavailable"}
		}
		return http.StatusInternalServerError, errorResponse{Error: "internal error"}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, body := statusFor(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, body)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (h *Handler) span(r *http.Request, name string, req orchestrator.Request) (context.Context, trace.Span) {
	return h.tracer.Start(r.Context(), name, trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.prompt_bytes", len(req.Prompt)),
	))
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !h.decode(w, r, &req) {
		return
	}

	ctx, span := h.span(r, "http.generate", req)
	defer span.End()

	res, err := h.svc.Generate(ctx, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if r.URL.Query().Get("sections") != "true" {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*orchestrator.Result
		Sections map[string]string `json:"sections"`
	}{res, validate.ExtractSections(res.Content, nil)})
}

type batchRequest struct {
	Requests      []orchestrator.Request `json:"requests"`
	MaxConcurrent int                    `json:"max_concurrent"`
}

type batchItem struct {
	Index  int                  `json:"index"`
	Result *orchestrator.Result `json:"result,omitempty"`
	Error  *errorResponse       `json:"error,omitempty"`
}

func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if !h.decode(w, r, &body) {
		return
	}
	if len(body.Requests) == 0 || len(body.Requests) > maxBatchSize {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("requests must hold between 1 and %d items", maxBatchSize),
		})
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "http.generate_batch",
		trace.WithAttributes(attribute.Int("batch.size", len(body.Requests))))
	defer span.End()

	results := h.svc.GenerateBatch(ctx, body.Requests, body.MaxConcurrent)
	items := make([]batchItem, len(results))
	for i, br := range results {
		items[i] = batchItem{Index: br.Index, Result: br.Result}
		if br.Err != nil {
			_, e := statusFor(br.Err)
			items[i].Error = &e
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

// streamMessage is the wire form of an orchestrator.Event, shared by SSE and
// WebSocket clients.
type streamMessage struct {
	Type       string               `json:"type"`
	RequestID  string               `json:"request_id,omitempty"`
	Text       string               `json:"text,omitempty"`
	Usage      *billing.UsageRecord `json:"usage,omitempty"`
	Validation *validate.Result     `json:"validation,omitempty"`
	Error      string               `json:"error,omitempty"`
}

func toMessage(requestID string, ev orchestrator.Event) streamMessage {
	msg := streamMessage{
		Type:       ev.Type.String(),
		Text:       ev.Text,
		Usage:      ev.Usage,
		Validation: ev.Validation,
	}
	if ev.Terminal() {
		msg.RequestID = requestID
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}

// HandleStream serves a generation as server-sent events. Dropping the
// connection cancels the stream.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !h.decode(w, r, &req) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	ctx, span := h.span(r, "http.generate_stream", req)
	defer span.End()

	stream, err := h.svc.GenerateStream(ctx, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer stream.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", stream.RequestID)
	w.WriteHeader(http.StatusOK)

	for ev := range stream.Events() {
		data, err := json.Marshal(toMessage(stream.RequestID, ev))
		if err != nil {
			h.logger.Error("encode stream event", zap.Error(err))
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// clientMessage is what a WebSocket client may send after the opening request.
type clientMessage struct {
	Type string `json:"type"`
}

// HandleWebSocket accepts one generation request per connection and streams
// the events back as JSON messages. The client may send {"type":"cancel"} at
// any point to stop the generation.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	var req orchestrator.Request
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		conn.Close(websocket.StatusUnsupportedData, "invalid request")
		return
	}

	ctx, span := h.tracer.Start(ctx, "http.generate_ws", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	stream, err := h.svc.GenerateStream(ctx, req)
	if err != nil {
		_, body := statusFor(err)
		_ = wsjson.Write(ctx, conn, streamMessage{Type: "error", Error: body.Error})
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	defer stream.Cancel()

	go func() {
		for {
			var msg clientMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				stream.Cancel()
				return
			}
			if msg.Type == "cancel" {
				stream.Cancel()
			}
		}
	}()

	var terminal bool
	for ev := range stream.Events() {
		terminal = ev.Terminal()
		if err := wsjson.Write(ctx, conn, toMessage(stream.RequestID, ev)); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
	// A terminal event raced by cancellation may not reach the channel.
	if !terminal {
		<-stream.Done()
		_ = wsjson.Write(ctx, conn, toMessage(stream.RequestID, stream.Final()))
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.CacheStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) HandleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CacheClear(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.CacheInvalidate(r.Context(), req); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleRateLimit(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"bucket": h.svc.RateLimitStatus()}
	if h.breakers != nil {
		body["breakers"] = h.breakers.BreakerStates()
	}
	if model := r.URL.Query().Get("model"); model != "" {
		quota, err := h.svc.QuotaStatus(r.Context(), model)
		if err != nil {
			h.logger.Warn("quota status unavailable", zap.Error(err))
		} else if quota != nil {
			body["quota"] = quota
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.UsageSummary())
}

func (h *Handler) HandleUsageRecent(w http.ResponseWriter, r *http.Request) {
	n := 10
	if s := r.URL.Query().Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "n must be a positive integer"})
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": h.svc.UsageRecent(n)})
}

func (h *Handler) HandleUsageExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Disposition", `attachment; filename="usage.json"`)
	writeJSON(w, http.StatusOK, h.svc.UsageExport())
}

func (h *Handler) HandleUsageReset(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ended": h.svc.UsageReset()})
}

// HandleUsageHistory reads persisted usage from the billing store. Without a
// store configured it answers 404.
func (h *Handler) HandleUsageHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "usage history is not configured"})
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid 'from' date format (use RFC3339)"})
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid 'to' date format (use RFC3339)"})
			return
		}
		to = t
	}

	ctx := r.Context()
	records, err := h.history.GetUsage(ctx, from, to)
	if err != nil {
		h.logger.Error("usage history query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "usage history unavailable"})
		return
	}
	total, err := h.history.GetTotalCost(ctx, from, to)
	if err != nil {
		h.logger.Error("usage cost query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "usage history unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_requests": len(records),
		"total_cost_usd": total,
		"records":        records,
		"from":           from,
		"to":             to,
	})
}
