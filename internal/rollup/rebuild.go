package rollup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hiveboard/hiveboard/internal/storage"
)

// Rebuild drops a tenant's buckets and replays every retained event through
// Apply. The result matches incremental ingest because both paths share the
// same fold.
func Rebuild(ctx context.Context, backend storage.Backend, tenantID string, logger *zap.Logger) (int, error) {
	if err := backend.ResetBuckets(ctx, tenantID); err != nil {
		return 0, fmt.Errorf("reset buckets: %w", err)
	}
	replayed, err := backend.ReplayBuckets(ctx, tenantID, Apply)
	if err != nil {
		return replayed, fmt.Errorf("replay buckets: %w", err)
	}

	logger.Info("aggregates rebuilt",
		zap.String("tenant_id", tenantID),
		zap.Int("events_replayed", replayed))
	return replayed, nil
}
