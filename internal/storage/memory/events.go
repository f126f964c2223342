package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// insertEventsLocked appends events, skipping event IDs already seen for the
// tenant. Caller holds eventsMu. Returns the subset actually inserted.
func (s *Store) insertEventsLocked(tenantID string, events []event.Event) []event.Event {
	ids, ok := s.eventIDs[tenantID]
	if !ok {
		ids = map[string]struct{}{}
		s.eventIDs[tenantID] = ids
	}
	var inserted []event.Event
	for _, ev := range events {
		if _, dup := ids[ev.EventID]; dup {
			continue
		}
		ids[ev.EventID] = struct{}{}
		s.events[tenantID] = append(s.events[tenantID], ev)
		inserted = append(inserted, ev)
	}
	return inserted
}

func (s *Store) InsertEvents(_ context.Context, tenantID string, events []event.Event) (int, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	inserted := s.insertEventsLocked(tenantID, events)
	if len(inserted) == 0 {
		return 0, nil
	}
	return len(inserted), s.persist(fileEvents, s.events)
}

func (s *Store) GetEvent(_ context.Context, tenantID, eventID string) (event.Event, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	for _, ev := range s.events[tenantID] {
		if ev.EventID == eventID {
			return ev, nil
		}
	}
	return event.Event{}, fmt.Errorf("event %s: %w", eventID, storage.ErrNotFound)
}

// matchEvent applies every non-cursor filter field.
func matchEvent(ev *event.Event, f *storage.EventFilter) bool {
	if f.AgentID != "" && ev.AgentID != f.AgentID {
		return false
	}
	if f.TaskID != "" && ev.TaskID != f.TaskID {
		return false
	}
	if f.ProjectID != "" && ev.ProjectID != f.ProjectID {
		return false
	}
	if f.Environment != "" && ev.Environment != f.Environment {
		return false
	}
	if f.Group != "" && ev.Group != f.Group {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinSeverity != "" && event.SeverityRank(ev.Severity) < event.SeverityRank(f.MinSeverity) {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !ev.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// beforeCursor reports whether ev sorts strictly before the (time, event_id)
// cursor tuple in the newest-first ordering.
func beforeCursor(ev *event.Event, t time.Time, eventID string) bool {
	if ev.Timestamp.Before(t) {
		return true
	}
	if ev.Timestamp.Equal(t) {
		return ev.EventID < eventID
	}
	return false
}

// ListEvents returns matching events newest-first, ordered by (timestamp,
// event_id) descending. A non-zero Before tuple is an exclusive cursor.
func (s *Store) ListEvents(_ context.Context, f storage.EventFilter) ([]event.Event, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	var out []event.Event
	for _, ev := range s.events[f.TenantID] {
		if !matchEvent(&ev, &f) {
			continue
		}
		if !f.BeforeTime.IsZero() && !beforeCursor(&ev, f.BeforeTime, f.BeforeEventID) {
			continue
		}
		out = append(out, ev)
	}
	sortEventsDesc(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortEventsDesc(evs []event.Event) {
	sort.Slice(evs, func(i, j int) bool {
		if !evs[i].Timestamp.Equal(evs[j].Timestamp) {
			return evs[i].Timestamp.After(evs[j].Timestamp)
		}
		return evs[i].EventID > evs[j].EventID
	})
}

func sortEventsAsc(evs []event.Event) {
	sort.Slice(evs, func(i, j int) bool {
		if !evs[i].Timestamp.Equal(evs[j].Timestamp) {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		}
		return evs[i].EventID < evs[j].EventID
	})
}

// TaskEvents returns every event for a task in chronological order.
func (s *Store) TaskEvents(_ context.Context, tenantID, taskID string) ([]event.Event, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	var out []event.Event
	for _, ev := range s.events[tenantID] {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	sortEventsAsc(out)
	return out, nil
}

func (s *Store) CountEvents(_ context.Context, f storage.EventFilter) (int, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	n := 0
	for _, ev := range s.events[f.TenantID] {
		if matchEvent(&ev, &f) {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteEventsBefore(_ context.Context, tenantID string, cutoff time.Time) (int, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	evs := s.events[tenantID]
	ids := s.eventIDs[tenantID]
	kept := evs[:0]
	deleted := 0
	for _, ev := range evs {
		if ev.Timestamp.Before(cutoff) {
			delete(ids, ev.EventID)
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	if deleted == 0 {
		return 0, nil
	}
	s.events[tenantID] = kept
	return deleted, s.persist(fileEvents, s.events)
}

// CompactHeartbeats thins heartbeat events older than the cutoff down to one
// per (agent, hour), keeping the latest in each hour and preferring one with
// a payload when the latest has none.
func (s *Store) CompactHeartbeats(_ context.Context, tenantID string, olderThan time.Time) (int, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	type slot struct{ keepID string }
	keep := map[string]slot{} // agent + "/" + hourUnix -> winning event id

	evs := s.events[tenantID]
	winners := map[string]event.Event{}
	for _, ev := range evs {
		if ev.Type != event.TypeHeartbeat || !ev.Timestamp.Before(olderThan) {
			continue
		}
		key := ev.AgentID + "/" + fmt.Sprint(ev.Hour().Unix())
		cur, ok := winners[key]
		if !ok || preferHeartbeat(&ev, &cur) {
			winners[key] = ev
			keep[key] = slot{keepID: ev.EventID}
		}
	}
	if len(winners) == 0 {
		return 0, nil
	}

	ids := s.eventIDs[tenantID]
	kept := evs[:0]
	removed := 0
	for _, ev := range evs {
		if ev.Type == event.TypeHeartbeat && ev.Timestamp.Before(olderThan) {
			key := ev.AgentID + "/" + fmt.Sprint(ev.Hour().Unix())
			if keep[key].keepID != ev.EventID {
				delete(ids, ev.EventID)
				removed++
				continue
			}
		}
		kept = append(kept, ev)
	}
	if removed == 0 {
		return 0, nil
	}
	s.events[tenantID] = kept
	return removed, s.persist(fileEvents, s.events)
}

// preferHeartbeat decides whether candidate should replace the current winner
// for an (agent, hour) slot.
func preferHeartbeat(candidate, current *event.Event) bool {
	candHasPayload := len(candidate.Payload) > 0
	curHasPayload := len(current.Payload) > 0
	if candHasPayload != curHasPayload {
		return candHasPayload
	}
	return candidate.Timestamp.After(current.Timestamp)
}
