package billing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type ModelUsage struct {
	Requests     int     `json:"requests"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

type Summary struct {
	TotalRequests     int                   `json:"total_requests"`
	CacheHits         int                   `json:"cache_hits"`
	TotalInputTokens  int                   `json:"total_input_tokens"`
	TotalOutputTokens int                   `json:"total_output_tokens"`
	TotalTokens       int                   `json:"total_tokens"`
	TotalCost         float64               `json:"total_cost"`
	AverageCost       float64               `json:"average_cost_per_request"`
	PerModel          map[string]ModelUsage `json:"per_model"`
}

type Export struct {
	Summary Summary       `json:"summary"`
	History []UsageRecord `json:"request_history"`
}

const sinkQueueSize = 256

// Accountant keeps the in-memory usage log for the current reporting window
// and forwards every record to an optional Sink in the background.
type Accountant struct {
	prices *PriceTable
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	log    []UsageRecord
	closed bool

	sink      Sink
	queue     chan UsageRecord
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type AccountantOption func(*Accountant)

func WithSink(sink Sink) AccountantOption {
	return func(a *Accountant) { a.sink = sink }
}

func NewAccountant(prices *PriceTable, logger *zap.Logger, opts ...AccountantOption) *Accountant {
	if prices == nil {
		prices = DefaultPriceTable()
	}
	a := &Accountant{
		prices: prices,
		logger: logger.With(zap.String("component", "billing")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.sink != nil {
		a.queue = make(chan UsageRecord, sinkQueueSize)
		a.wg.Add(1)
		go a.drain()
	}
	return a
}

// Record prices one call and appends it to the log. Cache hits cost nothing.
func (a *Accountant) Record(model string, inputTokens, outputTokens int, cacheHit bool) UsageRecord {
	return a.Add(UsageRecord{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CacheHit:     cacheHit,
	})
}

// Add is Record for callers that carry request metadata. CostUSD and a zero
// Timestamp are filled in.
func (a *Accountant) Add(rec UsageRecord) UsageRecord {
	if rec.CacheHit {
		rec.CostUSD = 0
	} else {
		cost, known := a.prices.Cost(rec.Model, rec.InputTokens, rec.OutputTokens)
		if !known {
			a.logger.Warn("unknown model pricing, using fallback",
				zap.String("model", rec.Model),
				zap.String("fallback", a.prices.Fallback()),
			)
		}
		rec.CostUSD = cost
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.now()
	}

	a.mu.Lock()
	a.log = append(a.log, rec)
	if a.queue != nil {
		if a.closed {
			a.logger.Warn("usage sink closed, record kept in memory only", zap.String("request_id", rec.RequestID))
		} else {
			select {
			case a.queue <- rec:
			default:
				a.logger.Warn("usage sink queue full, dropping record", zap.String("request_id", rec.RequestID))
			}
		}
	}
	a.mu.Unlock()

	a.logger.Debug("usage recorded",
		zap.String("model", rec.Model),
		zap.Int("input_tokens", rec.InputTokens),
		zap.Int("output_tokens", rec.OutputTokens),
		zap.Float64("cost_usd", rec.CostUSD),
		zap.Bool("cache_hit", rec.CacheHit),
	)
	return rec
}

func (a *Accountant) drain() {
	defer a.wg.Done()
	for rec := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.sink.LogUsage(ctx, &rec); err != nil {
			a.logger.Error("failed to persist usage record", zap.String("request_id", rec.RequestID), zap.Error(err))
		}
		cancel()
	}
}

func (a *Accountant) snapshot() []UsageRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]UsageRecord, len(a.log))
	copy(out, a.log)
	return out
}

func summarize(records []UsageRecord) Summary {
	s := Summary{PerModel: make(map[string]ModelUsage)}
	for _, r := range records {
		s.TotalRequests++
		if r.CacheHit {
			s.CacheHits++
		}
		s.TotalInputTokens += r.InputTokens
		s.TotalOutputTokens += r.OutputTokens
		s.TotalCost += r.CostUSD

		m := s.PerModel[r.Model]
		m.Requests++
		m.InputTokens += r.InputTokens
		m.OutputTokens += r.OutputTokens
		m.Cost += r.CostUSD
		s.PerModel[r.Model] = m
	}
	s.TotalTokens = s.TotalInputTokens + s.TotalOutputTokens
	if s.TotalRequests > 0 {
		s.AverageCost = s.TotalCost / float64(s.TotalRequests)
	}
	return s
}

// Summary aggregates the current log.
func (a *Accountant) Summary() Summary {
	return summarize(a.snapshot())
}

// Recent returns up to n of the newest records, oldest first.
func (a *Accountant) Recent(n int) []UsageRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(a.log) {
		n = len(a.log)
	}
	out := make([]UsageRecord, n)
	copy(out, a.log[len(a.log)-n:])
	return out
}

func (a *Accountant) Export() Export {
	records := a.snapshot()
	return Export{Summary: summarize(records), History: records}
}

// Reset starts a new reporting window and returns the summary of the one
// that just ended.
func (a *Accountant) Reset() Summary {
	a.mu.Lock()
	old := a.log
	a.log = nil
	a.mu.Unlock()

	s := summarize(old)
	a.logger.Info("usage window reset",
		zap.Int("requests", s.TotalRequests),
		zap.Float64("total_cost", s.TotalCost),
	)
	return s
}

// Close stops the sink worker after it has written every queued record.
func (a *Accountant) Close() {
	a.closeOnce.Do(func() {
		if a.queue == nil {
			return
		}
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
		a.wg.Wait()
	})
}
