package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore is an in-process Store. Expired entries are evicted lazily on
// access and in bulk by Sweep.
type MemoryStore struct {
	counters
	mu         sync.RWMutex
	entries    map[Key]*Entry
	defaultTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewMemoryStore(defaultTTL time.Duration, logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		entries:    make(map[Key]*Entry),
		defaultTTL: defaultTTL,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "cache.memory")),
	}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (*Entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		s.miss()
		return nil, false
	}

	if e.Expired(s.now()) {
		s.mu.Lock()
		// A concurrent Put may have replaced the entry in between.
		if cur, ok := s.entries[key]; ok && cur == e {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		s.miss()
		return nil, false
	}

	s.hit()
	cp := *e
	return &cp, true
}

func (s *MemoryStore) Put(_ context.Context, entry *Entry) {
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

	s.mu.Lock()
	s.entries[e.Key] = &e
	s.mu.Unlock()
}

func (s *MemoryStore) Delete(_ context.Context, key Key) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[Key]*Entry)
	s.mu.Unlock()

	s.logger.Info("cache cleared", zap.Int("entries", n))
	return nil
}

// Sweep drops every expired entry and returns how many were removed.
func (s *MemoryStore) Sweep(_ context.Context) int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var size int64
	for k, e := range s.entries {
		size += int64(len(k) + len(e.Content) + len(e.Usage.Model))
	}

	return Stats{
		Backend:     "memory",
		Entries:     int64(len(s.entries)),
		ApproxBytes: size,
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		DefaultTTL:  s.defaultTTL,
	}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
