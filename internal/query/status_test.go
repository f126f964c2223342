package query

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/storage"
	"github.com/hiveboard/hiveboard/internal/storage/memory"
)

var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	store, err := memory.New("", nil)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	e := New(store, zap.NewNop())
	e.now = func() time.Time { return testNow }
	return e, store
}

func TestDeriveAgentStatusCascade(t *testing.T) {
	fresh := testNow.Add(-10 * time.Second)
	cases := []struct {
		name string
		a    storage.Agent
		want Status
	}{
		{"never heartbeated", storage.Agent{}, StatusStuck},
		{"stale heartbeat", storage.Agent{LastHeartbeat: testNow.Add(-10 * time.Minute)}, StatusStuck},
		{"stuck wins over error", storage.Agent{
			LastHeartbeat: testNow.Add(-10 * time.Minute),
			LastEventType: event.TypeTaskFailed,
		}, StatusStuck},
		{"task failed", storage.Agent{LastHeartbeat: fresh, LastEventType: event.TypeTaskFailed}, StatusError},
		{"action failed", storage.Agent{LastHeartbeat: fresh, LastEventType: event.TypeActionFailed}, StatusError},
		{"waiting approval", storage.Agent{LastHeartbeat: fresh, LastEventType: event.TypeApprovalRequested}, StatusWaitingApproval},
		{"task started", storage.Agent{LastHeartbeat: fresh, LastEventType: event.TypeTaskStarted}, StatusProcessing},
		{"action started", storage.Agent{LastHeartbeat: fresh, LastEventType: event.TypeActionStarted}, StatusProcessing},
		{"heartbeat only", storage.Agent{LastHeartbeat: fresh, LastEventType: event.TypeHeartbeat}, StatusIdle},
		{"task completed", storage.Agent{LastHeartbeat: fresh, LastEventType: event.TypeTaskCompleted}, StatusIdle},
	}
	for _, tc := range cases {
		if got := DeriveAgentStatus(testNow, &tc.a); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestDeriveAgentStatusThresholdBoundary(t *testing.T) {
	// Exactly at the default threshold is not yet stuck; one second past is.
	at := storage.Agent{
		LastHeartbeat: testNow.Add(-time.Duration(DefaultStuckThresholdSeconds) * time.Second),
		LastEventType: event.TypeHeartbeat,
	}
	if got := DeriveAgentStatus(testNow, &at); got != StatusIdle {
		t.Fatalf("at threshold: expected idle, got %s", got)
	}
	past := at
	past.LastHeartbeat = past.LastHeartbeat.Add(-time.Second)
	if got := DeriveAgentStatus(testNow, &past); got != StatusStuck {
		t.Fatalf("past threshold: expected stuck, got %s", got)
	}
}

func TestDeriveAgentStatusCustomThreshold(t *testing.T) {
	a := storage.Agent{
		LastHeartbeat:         testNow.Add(-8 * time.Minute),
		LastEventType:         event.TypeTaskStarted,
		StuckThresholdSeconds: 600,
	}
	if got := DeriveAgentStatus(testNow, &a); got != StatusProcessing {
		t.Fatalf("within custom threshold: expected processing, got %s", got)
	}
	a.StuckThresholdSeconds = 300
	if got := DeriveAgentStatus(testNow, &a); got != StatusStuck {
		t.Fatalf("beyond custom threshold: expected stuck, got %s", got)
	}
}

func TestHeartbeatAge(t *testing.T) {
	a := storage.Agent{LastHeartbeat: testNow.Add(-90 * time.Second)}
	if got := HeartbeatAge(testNow, &a); got != 90 {
		t.Fatalf("expected 90, got %d", got)
	}
	if got := HeartbeatAge(testNow, &storage.Agent{}); got != -1 {
		t.Fatalf("never heartbeated should be -1, got %d", got)
	}
}

func TestListAgentsViews(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	if _, err := store.UpsertAgent(ctx, "t1", storage.AgentUpdate{
		AgentID:       "a1",
		LastSeen:      testNow.Add(-time.Minute),
		LastHeartbeat: testNow.Add(-time.Minute),
		LastEventType: event.TypeTaskCompleted,
	}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if err := store.LinkProjectAgent(ctx, "t1", "p1", "a1"); err != nil {
		t.Fatalf("LinkProjectAgent: %v", err)
	}

	dur := int64(2000)
	done := event.Event{
		EventID: "e1", AgentID: "a1", Type: event.TypeTaskCompleted,
		Timestamp: testNow.Add(-30 * time.Minute), DurationMS: &dur,
	}
	failed := event.Event{
		EventID: "e2", AgentID: "a1", Type: event.TypeTaskFailed,
		Timestamp: testNow.Add(-20 * time.Minute),
	}
	// Outside the trailing hour, must not count.
	stale := event.Event{
		EventID: "e3", AgentID: "a1", Type: event.TypeTaskFailed,
		Timestamp: testNow.Add(-2 * time.Hour),
	}
	if _, err := store.InsertEvents(ctx, "t1", []event.Event{done, failed, stale}); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	views, err := e.ListAgents(ctx, storage.AgentFilter{TenantID: "t1"})
	if err != nil || len(views) != 1 {
		t.Fatalf("ListAgents: %v, %v", views, err)
	}
	v := views[0]
	if v.DerivedStatus != StatusIdle {
		t.Fatalf("derived status: %s", v.DerivedStatus)
	}
	if v.HeartbeatAgeSeconds != 60 {
		t.Fatalf("heartbeat age: %d", v.HeartbeatAgeSeconds)
	}
	if len(v.Projects) != 1 || v.Projects[0] != "p1" {
		t.Fatalf("projects: %v", v.Projects)
	}
	if v.Stats1h.TasksCompleted != 1 || v.Stats1h.TasksFailed != 1 {
		t.Fatalf("stats_1h: %+v", v.Stats1h)
	}
	if v.Stats1h.SuccessRate != 0.5 {
		t.Fatalf("success rate: %f", v.Stats1h.SuccessRate)
	}
	if v.Stats1h.AvgDurationMS != 2000 {
		t.Fatalf("avg duration: %d", v.Stats1h.AvgDurationMS)
	}
}

func TestClampLimit(t *testing.T) {
	if ClampLimit(0) != DefaultLimit {
		t.Fatalf("zero should clamp to default, got %d", ClampLimit(0))
	}
	if ClampLimit(-5) != DefaultLimit {
		t.Fatalf("negative should clamp to default, got %d", ClampLimit(-5))
	}
	if ClampLimit(MaxLimit+1) != MaxLimit {
		t.Fatalf("oversized should clamp to max, got %d", ClampLimit(MaxLimit+1))
	}
	if ClampLimit(50) != 50 {
		t.Fatalf("in-range should pass through, got %d", ClampLimit(50))
	}
}
