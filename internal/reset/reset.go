// Package reset clears all engine state: persisted records, run log
// artifacts, the cached dedupe keys in Redis, and buffered outbox messages.
package reset

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/regintel/crawl-engine/internal/engine"
	"github.com/regintel/crawl-engine/internal/logstore"
)

// Result reports what a reset touched.
type Result struct {
	TruncatedTables []string `json:"truncated_tables"`
	ClearedDirs     []string `json:"cleared_dirs"`
	RedisCleared    bool     `json:"redis_cleared"`
}

// Clearer empties an in-process buffer. The memory outbox implements it; the
// Pub/Sub outbox has nothing to clear.
type Clearer interface {
	Clear()
}

// Service wipes engine state across its storage surfaces.
type Service struct {
	store  engine.Store
	logs   *logstore.Store
	rdb    *redis.Client
	outbox Clearer
	logger *zap.Logger
}

// New constructs a Service. rdb and outbox may be nil when the deployment
// carries neither.
func New(store engine.Store, logs *logstore.Store, rdb *redis.Client, outbox Clearer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logs: logs, rdb: rdb, outbox: outbox, logger: logger}
}

// Reset wipes everything. Partial failure aborts with what was already
// cleared reported in the error path's Result.
func (s *Service) Reset(ctx context.Context) (Result, error) {
	var result Result

	tables, err := s.store.Reset(ctx)
	if err != nil {
		return result, fmt.Errorf("resetting store: %w", err)
	}
	result.TruncatedTables = tables

	dirs, err := s.logs.Clear()
	if err != nil {
		return result, fmt.Errorf("clearing log artifacts: %w", err)
	}
	result.ClearedDirs = dirs

	if s.rdb != nil {
		if err := s.rdb.FlushDB(ctx).Err(); err != nil {
			return result, fmt.Errorf("flushing redis: %w", err)
		}
		result.RedisCleared = true
	}

	if s.outbox != nil {
		s.outbox.Clear()
	}

	s.logger.Warn("engine state reset",
		zap.Strings("truncated_tables", result.TruncatedTables),
		zap.Int("cleared_dirs", len(result.ClearedDirs)),
		zap.Bool("redis_cleared", result.RedisCleared))
	return result, nil
}
