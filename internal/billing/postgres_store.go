package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const createUsageTable = `
	CREATE TABLE IF NOT EXISTS llm_usage (
		id BIGSERIAL PRIMARY KEY,
		request_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd DOUBLE PRECISION NOT NULL,
		cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
		latency_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the usage table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createUsageTable); err != nil {
		return fmt.Errorf("failed to create usage table: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogUsage(ctx context.Context, rec *UsageRecord) error {
	query := `
		INSERT INTO llm_usage (request_id, provider, model, input_tokens, output_tokens, cost_usd, cache_hit, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	var id int64
	err := s.db.QueryRow(ctx, query,
		rec.RequestID, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.CacheHit, rec.LatencyMs, rec.Timestamp,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	rec.ID = fmt.Sprint(id)
	return nil
}

func (s *PostgresStore) GetUsage(ctx context.Context, from, to time.Time) ([]*UsageRecord, error) {
	query := `
		SELECT id::text, request_id, provider, model, input_tokens, output_tokens, cost_usd, cache_hit, latency_ms, created_at
		FROM llm_usage
		WHERE created_at BETWEEN $1 AND $2
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		err := rows.Scan(
			&r.ID, &r.RequestID, &r.Provider, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.CacheHit, &r.LatencyMs, &r.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) GetTotalCost(ctx context.Context, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM llm_usage
		WHERE created_at BETWEEN $1 AND $2
	`
	var total float64
	if err := s.db.QueryRow(ctx, query, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}
	return total, nil
}
