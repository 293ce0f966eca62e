package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSink struct {
	mu      sync.Mutex
	records []UsageRecord
	err     error
}

func (m *mockSink) LogUsage(ctx context.Context, rec *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return m.err
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestAccountant_RecordPricesCall(t *testing.T) {
	a := NewAccountant(DefaultPriceTable(), zap.NewNop())

	rec := a.Record("claude-sonnet-4-20250514", 1000, 2000, false)

	assert.InDelta(t, 0.033, rec.CostUSD, 1e-9)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestAccountant_CacheHitIsFree(t *testing.T) {
	a := NewAccountant(DefaultPriceTable(), zap.NewNop())

	rec := a.Record("claude-opus-4-20250514", 5000, 5000, true)

	assert.Equal(t, 0.0, rec.CostUSD)
	s := a.Summary()
	assert.Equal(t, 1, s.TotalRequests)
	assert.Equal(t, 1, s.CacheHits)
	assert.Equal(t, 0.0, s.TotalCost)
}

func TestAccountant_Summary(t *testing.T) {
	a := NewAccountant(DefaultPriceTable(), zap.NewNop())

	r1 := a.Record("claude-sonnet-4-20250514", 100, 200, false)
	r2 := a.Record("gpt-4o-mini", 300, 400, false)
	r3 := a.Record("claude-sonnet-4-20250514", 50, 60, true)

	s := a.Summary()
	assert.Equal(t, 3, s.TotalRequests)
	assert.Equal(t, 450, s.TotalInputTokens)
	assert.Equal(t, 660, s.TotalOutputTokens)
	assert.Equal(t, 1110, s.TotalTokens)
	assert.InDelta(t, r1.CostUSD+r2.CostUSD+r3.CostUSD, s.TotalCost, 1e-12)
	assert.InDelta(t, s.TotalCost/3, s.AverageCost, 1e-12)

	claude := s.PerModel["claude-sonnet-4-20250514"]
	assert.Equal(t, 2, claude.Requests)
	assert.Equal(t, 150, claude.InputTokens)
	assert.InDelta(t, r1.CostUSD, claude.Cost, 1e-12)
	assert.Equal(t, 1, s.PerModel["gpt-4o-mini"].Requests)
}

func TestAccountant_EmptySummary(t *testing.T) {
	a := NewAccountant(nil, zap.NewNop())

	s := a.Summary()
	assert.Equal(t, 0, s.TotalRequests)
	assert.Equal(t, 0.0, s.AverageCost)
	assert.Empty(t, s.PerModel)
}

func TestAccountant_RecentResetExport(t *testing.T) {
	a := NewAccountant(DefaultPriceTable(), zap.NewNop())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base }

	for _, m := range []string{"a", "b", "c"} {
		a.Record(m, 1, 1, false)
	}

	recent := a.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].Model)
	assert.Equal(t, "c", recent[1].Model)
	assert.Len(t, a.Recent(10), 3)
	assert.Nil(t, a.Recent(0))

	exp := a.Export()
	assert.Len(t, exp.History, 3)
	assert.Equal(t, 3, exp.Summary.TotalRequests)
	assert.Equal(t, base, exp.History[0].Timestamp)

	ended := a.Reset()
	assert.Equal(t, 3, ended.TotalRequests)
	assert.Equal(t, 0, a.Summary().TotalRequests)
	assert.Len(t, exp.History, 3, "export is a snapshot")
}

func TestAccountant_AddKeepsMetadata(t *testing.T) {
	a := NewAccountant(DefaultPriceTable(), zap.NewNop())

	rec := a.Add(UsageRecord{RequestID: "req-1", Provider: "claude", Model: "claude-3-5-haiku-20241022", InputTokens: 1_000_000, LatencyMs: 42})

	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, int64(42), rec.LatencyMs)
	assert.InDelta(t, 0.8, rec.CostUSD, 1e-9)
}

func TestAccountant_SinkReceivesRecords(t *testing.T) {
	sink := &mockSink{err: errors.New("db down")}
	a := NewAccountant(DefaultPriceTable(), zap.NewNop(), WithSink(sink))

	for i := 0; i < 5; i++ {
		a.Record("gpt-4o", 10, 10, false)
	}
	a.Close()
	a.Close()

	assert.Equal(t, 5, sink.count(), "sink errors never stop the worker")
	assert.Equal(t, 5, a.Summary().TotalRequests)
}

func TestAccountant_RecordAfterClose(t *testing.T) {
	sink := &mockSink{}
	a := NewAccountant(DefaultPriceTable(), zap.NewNop(), WithSink(sink))

	a.Record("gpt-4o", 10, 10, false)
	a.Close()

	require.NotPanics(t, func() {
		a.Record("gpt-4o", 10, 10, false)
	})
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 2, a.Summary().TotalRequests, "late records still reach the in-memory log")
}

func TestAccountant_ConcurrentRecord(t *testing.T) {
	a := NewAccountant(DefaultPriceTable(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Record("gpt-4o", 1, 2, false)
			a.Summary()
		}()
	}
	wg.Wait()

	s := a.Summary()
	assert.Equal(t, 100, s.TotalRequests)
	assert.Equal(t, 300, s.TotalTokens)
}
