package query

import (
	"context"
	"fmt"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// ListEvents pages the raw event stream newest-first. The returned cursor is
// empty on the last page.
func (e *Engine) ListEvents(ctx context.Context, f storage.EventFilter, cursor string) ([]event.Event, string, error) {
	beforeTime, beforeID, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", err, storage.ErrValidation)
	}
	f.BeforeTime = beforeTime
	f.BeforeEventID = beforeID
	f.Limit = ClampLimit(f.Limit) + 1

	evs, err := e.backend.ListEvents(ctx, f)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(evs) == f.Limit {
		evs = evs[:f.Limit-1]
		last := evs[len(evs)-1]
		next = EncodeCursor(last.Timestamp, last.EventID)
	}
	return evs, next, nil
}

// GetEvent fetches one event by ID.
func (e *Engine) GetEvent(ctx context.Context, tenantID, eventID string) (event.Event, error) {
	return e.backend.GetEvent(ctx, tenantID, eventID)
}
