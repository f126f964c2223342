package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/storage"
)

func TestUpsertAgentCoalesce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t1 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	a, err := s.UpsertAgent(ctx, "t1", storage.AgentUpdate{
		AgentID:      "a1",
		AgentType:    "researcher",
		AgentVersion: "1.0",
		Environment:  "prod",
		LastSeen:     t1,
	})
	if err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if a.FirstSeen.IsZero() {
		t.Fatal("first_seen should be set on create")
	}

	// Empty fields in the second update must not clear the first.
	a, err = s.UpsertAgent(ctx, "t1", storage.AgentUpdate{
		AgentID:      "a1",
		AgentVersion: "1.1",
		LastSeen:     t1.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if a.AgentType != "researcher" || a.Environment != "prod" {
		t.Fatalf("coalesce lost fields: %+v", a)
	}
	if a.AgentVersion != "1.1" {
		t.Fatalf("expected version 1.1, got %s", a.AgentVersion)
	}
	if !a.LastSeen.Equal(t1.Add(time.Minute)) {
		t.Fatalf("last_seen should advance, got %v", a.LastSeen)
	}
}

func TestUpsertAgentLastSeenNeverRegresses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t1 := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	if _, err := s.UpsertAgent(ctx, "t1", storage.AgentUpdate{AgentID: "a1", LastSeen: t1, LastHeartbeat: t1}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	// A late-arriving batch with an older sender clock.
	a, err := s.UpsertAgent(ctx, "t1", storage.AgentUpdate{
		AgentID:       "a1",
		LastSeen:      t1.Add(-time.Hour),
		LastHeartbeat: t1.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("late upsert: %v", err)
	}
	if !a.LastSeen.Equal(t1) || !a.LastHeartbeat.Equal(t1) {
		t.Fatalf("timestamps regressed: last_seen=%v last_heartbeat=%v", a.LastSeen, a.LastHeartbeat)
	}
}

func TestUpsertAgentRequiresID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpsertAgent(context.Background(), "t1", storage.AgentUpdate{})
	if !errors.Is(err, storage.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestUpsertAgentHeartbeatState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hb := json.RawMessage(`{"memory_mb":512}`)
	queue := json.RawMessage(`{"todos":[{"id":"td-1"}]}`)
	a, err := s.UpsertAgent(ctx, "t1", storage.AgentUpdate{
		AgentID:               "a1",
		LastEventType:         event.TypeHeartbeat,
		HeartbeatPayload:      hb,
		QueueState:            queue,
		StuckThresholdSeconds: 600,
	})
	if err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if string(a.HeartbeatPayload) != string(hb) || string(a.QueueState) != string(queue) {
		t.Fatalf("payloads not stored: %+v", a)
	}
	if a.StuckThresholdSeconds != 600 {
		t.Fatalf("expected threshold 600, got %d", a.StuckThresholdSeconds)
	}

	// A batch without heartbeat data keeps the cached copies.
	a, err = s.UpsertAgent(ctx, "t1", storage.AgentUpdate{AgentID: "a1", LastEventType: event.TypeTaskStarted})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if string(a.HeartbeatPayload) != string(hb) {
		t.Fatalf("heartbeat payload cleared: %+v", a)
	}
	if a.LastEventType != event.TypeTaskStarted {
		t.Fatalf("last_event_type not updated: %s", a.LastEventType)
	}
}

func TestListAgentsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, upd := range []storage.AgentUpdate{
		{AgentID: "a1", Environment: "prod", Group: "crawlers"},
		{AgentID: "a2", Environment: "prod", Group: "writers"},
		{AgentID: "a3", Environment: "staging", Group: "crawlers"},
	} {
		if _, err := s.UpsertAgent(ctx, "t1", upd); err != nil {
			t.Fatalf("UpsertAgent %s: %v", upd.AgentID, err)
		}
	}
	if _, err := s.UpsertAgent(ctx, "t2", storage.AgentUpdate{AgentID: "a1"}); err != nil {
		t.Fatalf("UpsertAgent other tenant: %v", err)
	}

	out, err := s.ListAgents(ctx, storage.AgentFilter{TenantID: "t1"})
	if err != nil || len(out) != 3 {
		t.Fatalf("tenant listing: %d, %v", len(out), err)
	}
	if out[0].AgentID != "a1" || out[1].AgentID != "a2" || out[2].AgentID != "a3" {
		t.Fatalf("expected agent_id order, got %+v", out)
	}

	out, err = s.ListAgents(ctx, storage.AgentFilter{TenantID: "t1", Environment: "prod"})
	if err != nil || len(out) != 2 {
		t.Fatalf("environment filter: %d, %v", len(out), err)
	}
	out, err = s.ListAgents(ctx, storage.AgentFilter{TenantID: "t1", Group: "crawlers"})
	if err != nil || len(out) != 2 {
		t.Fatalf("group filter: %d, %v", len(out), err)
	}
}

func TestListAgentsByProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2"} {
		if _, err := s.UpsertAgent(ctx, "t1", storage.AgentUpdate{AgentID: id}); err != nil {
			t.Fatalf("UpsertAgent: %v", err)
		}
	}
	if err := s.LinkProjectAgent(ctx, "t1", "p1", "a1"); err != nil {
		t.Fatalf("LinkProjectAgent: %v", err)
	}

	out, err := s.ListAgents(ctx, storage.AgentFilter{TenantID: "t1", ProjectID: "p1"})
	if err != nil || len(out) != 1 || out[0].AgentID != "a1" {
		t.Fatalf("project filter: %v, %v", out, err)
	}

	// Linking twice is idempotent.
	if err := s.LinkProjectAgent(ctx, "t1", "p1", "a1"); err != nil {
		t.Fatalf("relink: %v", err)
	}
	projects, err := s.ListAgentProjects(ctx, "t1", "a1")
	if err != nil || len(projects) != 1 {
		t.Fatalf("ListAgentProjects: %v, %v", projects, err)
	}
}
