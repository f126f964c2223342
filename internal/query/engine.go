// Package query is the derived-state engine: agent status, task
// projections, timelines, pipelines, metrics and insights are all computed
// from events, the agent cache and the hourly buckets. Nothing here writes.
package query

import (
	"time"

	"go.uber.org/zap"

	"github.com/hiveboard/hiveboard/internal/storage"
)

// Listing limits.
const (
	DefaultLimit = 100
	MaxLimit     = 200
)

// DefaultStuckThresholdSeconds applies when an agent never declared its own
// threshold.
const DefaultStuckThresholdSeconds = 300

// Engine computes derived views over a storage backend.
type Engine struct {
	backend storage.Backend
	logger  *zap.Logger
	now     func() time.Time
}

func New(backend storage.Backend, logger *zap.Logger) *Engine {
	return &Engine{
		backend: backend,
		logger:  logger.Named("query"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ClampLimit normalizes a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
