package query

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/storage"
)

func TestTimelineActionTree(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	base := testNow.Add(-time.Hour)

	parentStart := taskEvent("e1", "task-1", event.TypeActionStarted, base)
	parentStart.ActionID = "act-1"
	parentStart.Payload = json.RawMessage(`{"kind":"action","data":{"name":"research"}}`)
	childStart := taskEvent("e2", "task-1", event.TypeActionStarted, base.Add(time.Minute))
	childStart.ActionID = "act-2"
	childStart.ParentActionID = "act-1"
	childDone := taskEvent("e3", "task-1", event.TypeActionCompleted, base.Add(2*time.Minute))
	childDone.ActionID = "act-2"
	childDone.ParentActionID = "act-1"
	parentDone := taskEvent("e4", "task-1", event.TypeActionCompleted, base.Add(3*time.Minute))
	parentDone.ActionID = "act-1"

	if _, err := store.InsertEvents(ctx, "t1", []event.Event{parentStart, childStart, childDone, parentDone}); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	tl, err := e.Timeline(ctx, "t1", "task-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(tl.Events) != 4 {
		t.Fatalf("events: %d", len(tl.Events))
	}
	if len(tl.ActionTree) != 1 {
		t.Fatalf("expected one root, got %d", len(tl.ActionTree))
	}
	root := tl.ActionTree[0]
	if root.ActionID != "act-1" || root.Name != "research" || root.Status != "completed" {
		t.Fatalf("root: %+v", root)
	}
	if root.DurationMS != 3*60*1000 {
		t.Fatalf("root duration: %d", root.DurationMS)
	}
	if len(root.Children) != 1 || root.Children[0].ActionID != "act-2" {
		t.Fatalf("children: %+v", root.Children)
	}
	if root.Children[0].Status != "completed" {
		t.Fatalf("child status: %s", root.Children[0].Status)
	}
}

func TestTimelineRunningAction(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	base := testNow.Add(-time.Hour)

	start := taskEvent("e1", "task-1", event.TypeActionStarted, base)
	start.ActionID = "act-1"
	if _, err := store.InsertEvents(ctx, "t1", []event.Event{start}); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	tl, err := e.Timeline(ctx, "t1", "task-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if tl.ActionTree[0].Status != "running" {
		t.Fatalf("unfinished action should be running, got %s", tl.ActionTree[0].Status)
	}
}

func TestTimelineErrorChains(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	base := testNow.Add(-time.Hour)

	failed := taskEvent("e1", "task-1", event.TypeActionFailed, base)
	retry := taskEvent("e2", "task-1", event.TypeRetryStarted, base.Add(time.Minute))
	retry.ParentEventID = "e1"
	escalated := taskEvent("e3", "task-1", event.TypeEscalated, base.Add(2*time.Minute))
	escalated.ParentEventID = "e2"

	if _, err := store.InsertEvents(ctx, "t1", []event.Event{failed, retry, escalated}); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	tl, err := e.Timeline(ctx, "t1", "task-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	// One chain for the retry, one for the escalation.
	if len(tl.ErrorChains) != 2 {
		t.Fatalf("chains: %d", len(tl.ErrorChains))
	}
	long := tl.ErrorChains[1]
	if len(long) != 3 {
		t.Fatalf("escalation chain length: %d", len(long))
	}
	// Oldest first: root cause, retry, escalation.
	if long[0].EventID != "e1" || long[1].EventID != "e2" || long[2].EventID != "e3" {
		t.Fatalf("chain order: %s %s %s", long[0].EventID, long[1].EventID, long[2].EventID)
	}
}

func TestTimelinePlanOverlay(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	base := testNow.Add(-time.Hour)

	created := taskEvent("e1", "task-1", event.TypeCustom, base)
	created.Payload = json.RawMessage(`{"kind":"plan_created","data":{"goal":"ship report","revision":1,"steps":["gather sources","draft","review"]}}`)
	step := taskEvent("e2", "task-1", event.TypeCustom, base.Add(time.Minute))
	step.Payload = json.RawMessage(`{"kind":"plan_step","summary":"gathered 12 sources","data":{"step_index":0,"total_steps":3,"action":"completed","turns":4,"tokens":900}}`)

	if _, err := store.InsertEvents(ctx, "t1", []event.Event{created, step}); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	tl, err := e.Timeline(ctx, "t1", "task-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if tl.Plan == nil {
		t.Fatal("plan overlay missing")
	}
	if tl.Plan.Goal != "ship report" || tl.Plan.Revision != 1 {
		t.Fatalf("plan header: %+v", tl.Plan)
	}
	if len(tl.Plan.Steps) != 3 {
		t.Fatalf("steps: %d", len(tl.Plan.Steps))
	}
	first := tl.Plan.Steps[0]
	if first.Action != "completed" || first.Summary != "gathered 12 sources" || first.Turns != 4 {
		t.Fatalf("folded step: %+v", first)
	}
	if tl.Plan.Steps[1].Summary != "draft" {
		t.Fatalf("untouched step: %+v", tl.Plan.Steps[1])
	}
}

func TestTimelineLatestPlanWins(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	base := testNow.Add(-time.Hour)

	v1 := taskEvent("e1", "task-1", event.TypeCustom, base)
	v1.Payload = json.RawMessage(`{"kind":"plan_created","data":{"goal":"old goal","revision":1,"steps":["a"]}}`)
	v2 := taskEvent("e2", "task-1", event.TypeCustom, base.Add(time.Minute))
	v2.Payload = json.RawMessage(`{"kind":"plan_created","data":{"goal":"new goal","revision":2,"steps":["x","y"]}}`)

	if _, err := store.InsertEvents(ctx, "t1", []event.Event{v1, v2}); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}
	tl, err := e.Timeline(ctx, "t1", "task-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if tl.Plan.Goal != "new goal" || tl.Plan.Revision != 2 || len(tl.Plan.Steps) != 2 {
		t.Fatalf("latest plan should win: %+v", tl.Plan)
	}
}

func TestTimelineNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Timeline(context.Background(), "t1", "ghost")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
