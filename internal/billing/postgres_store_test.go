package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRow struct {
	scan func(dest ...any) error
}

func (r mockRow) Scan(dest ...any) error { return r.scan(dest...) }

type mockDB struct {
	lastSQL  string
	lastArgs []any
	row      mockRow
	execErr  error
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	m.lastSQL, m.lastArgs = sql, args
	return m.row
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.lastSQL = sql
	return pgconn.NewCommandTag("CREATE TABLE"), m.execErr
}

func TestPostgresStore_LogUsage(t *testing.T) {
	db := &mockDB{row: mockRow{scan: func(dest ...any) error {
		*(dest[0].(*int64)) = 7
		return nil
	}}}
	s := NewPostgresStore(db)
	rec := &UsageRecord{RequestID: "r1", Provider: "claude", Model: "m", InputTokens: 1, OutputTokens: 2, CostUSD: 0.5, CacheHit: true, Timestamp: time.Now()}

	require.NoError(t, s.LogUsage(context.Background(), rec))

	assert.Equal(t, "7", rec.ID)
	assert.Contains(t, db.lastSQL, "INSERT INTO llm_usage")
	assert.Len(t, db.lastArgs, 9)
	assert.Equal(t, true, db.lastArgs[6])
}

func TestPostgresStore_LogUsageError(t *testing.T) {
	db := &mockDB{row: mockRow{scan: func(dest ...any) error { return errors.New("conn reset") }}}
	s := NewPostgresStore(db)

	err := s.LogUsage(context.Background(), &UsageRecord{})
	assert.ErrorContains(t, err, "failed to log usage")
}

func TestPostgresStore_GetTotalCost(t *testing.T) {
	db := &mockDB{row: mockRow{scan: func(dest ...any) error {
		*(dest[0].(*float64)) = 12.5
		return nil
	}}}
	s := NewPostgresStore(db)

	total, err := s.GetTotalCost(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 12.5, total)
}

func TestPostgresStore_Migrate(t *testing.T) {
	db := &mockDB{}
	s := NewPostgresStore(db)

	require.NoError(t, s.Migrate(context.Background()))
	assert.Contains(t, db.lastSQL, "CREATE TABLE IF NOT EXISTS llm_usage")

	db.execErr = errors.New("permission denied")
	assert.Error(t, s.Migrate(context.Background()))
}
