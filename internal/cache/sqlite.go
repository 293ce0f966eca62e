package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	usage TEXT NOT NULL,
	stored_at INTEGER NOT NULL,
	ttl_ns INTEGER NOT NULL
);
`

// SQLiteStore persists entries in a local SQLite file so the cache survives
// restarts of a single-node deployment.
type SQLiteStore struct {
	counters
	db         *sql.DB
	defaultTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewSQLiteStore(dbPath string, defaultTTL time.Duration, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &SQLiteStore{
		db:         db,
		defaultTTL: defaultTTL,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "cache.sqlite")),
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (*Entry, bool) {
	var (
		content   string
		usageJSON string
		storedAt  int64
		ttl       int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT content, usage, stored_at, ttl_ns FROM cache_entries WHERE cache_key = ?`,
		string(key),
	).Scan(&content, &usageJSON, &storedAt, &ttl)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("sqlite get failed, treating as miss", zap.String("key", key.Short()), zap.Error(err))
		}
		s.miss()
		return nil, false
	}

	entry := &Entry{
		Key:      key,
		Content:  content,
		StoredAt: time.Unix(0, storedAt),
		TTL:      time.Duration(ttl),
	}
	if err := json.Unmarshal([]byte(usageJSON), &entry.Usage); err != nil {
		s.logger.Warn("corrupt usage column", zap.String("key", key.Short()), zap.Error(err))
	}

	if entry.Expired(s.now()) {
		s.Delete(ctx, key)
		s.miss()
		return nil, false
	}

	s.hit()
	return entry, true
}

func (s *SQLiteStore) Put(ctx context.Context, entry *Entry) {
	if entry == nil {
		return
	}
	e := *entry
	if e.TTL <= 0 {
		e.TTL = s.defaultTTL
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = s.now()
	}

	usageJSON, err := json.Marshal(e.Usage)
	if err != nil {
		s.logger.Warn("marshal usage failed", zap.Error(err))
		return
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (cache_key, content, usage, stored_at, ttl_ns)
		 VALUES (?, ?, ?, ?, ?)`,
		string(e.Key), e.Content, string(usageJSON), e.StoredAt.UnixNano(), int64(e.TTL),
	)
	if err != nil {
		s.logger.Warn("sqlite put failed, skipping cache write", zap.String("key", e.Key.Short()), zap.Error(err))
	}
}

func (s *SQLiteStore) Delete(ctx context.Context, key Key) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, string(key)); err != nil {
		s.logger.Warn("sqlite delete failed", zap.String("key", key.Short()), zap.Error(err))
	}
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrCacheUnavailable, err)
	}
	s.logger.Info("cache cleared")
	return nil
}

// Sweep deletes expired rows and returns how many were removed.
func (s *SQLiteStore) Sweep(ctx context.Context) int {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE stored_at + ttl_ns <= ?`,
		s.now().UnixNano(),
	)
	if err != nil {
		s.logger.Warn("sqlite sweep failed", zap.Error(err))
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Backend:    "sqlite",
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		DefaultTTL: s.defaultTTL,
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(cache_key) + LENGTH(content) + LENGTH(usage)), 0) FROM cache_entries`,
	).Scan(&stats.Entries, &stats.ApproxBytes)
	if err != nil {
		return stats, fmt.Errorf("%w: stats: %v", ErrCacheUnavailable, err)
	}
	return stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
