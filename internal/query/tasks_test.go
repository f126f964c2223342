package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/storage"
)

func taskEvent(id, taskID string, typ event.Type, ts time.Time) event.Event {
	return event.Event{EventID: id, AgentID: "a1", TaskID: taskID, Type: typ, Timestamp: ts}
}

func TestDeriveTaskStatuses(t *testing.T) {
	base := testNow.Add(-time.Hour)
	cases := []struct {
		name string
		evs  []event.Event
		want string
	}{
		{"completed", []event.Event{
			taskEvent("e1", "t", event.TypeTaskStarted, base),
			taskEvent("e2", "t", event.TypeTaskCompleted, base.Add(time.Minute)),
		}, TaskCompleted},
		{"completed wins over failed retry", []event.Event{
			taskEvent("e1", "t", event.TypeTaskStarted, base),
			taskEvent("e2", "t", event.TypeTaskFailed, base.Add(time.Minute)),
			taskEvent("e3", "t", event.TypeTaskCompleted, base.Add(2*time.Minute)),
		}, TaskCompleted},
		{"failed", []event.Event{
			taskEvent("e1", "t", event.TypeTaskStarted, base),
			taskEvent("e2", "t", event.TypeTaskFailed, base.Add(time.Minute)),
		}, TaskFailed},
		{"escalated", []event.Event{
			taskEvent("e1", "t", event.TypeTaskStarted, base),
			taskEvent("e2", "t", event.TypeEscalated, base.Add(time.Minute)),
		}, TaskEscalated},
		{"waiting on approval", []event.Event{
			taskEvent("e1", "t", event.TypeTaskStarted, base),
			taskEvent("e2", "t", event.TypeApprovalRequested, base.Add(time.Minute)),
		}, TaskWaiting},
		{"approval answered resumes processing", []event.Event{
			taskEvent("e1", "t", event.TypeTaskStarted, base),
			taskEvent("e2", "t", event.TypeApprovalRequested, base.Add(time.Minute)),
			taskEvent("e3", "t", event.TypeApprovalReceived, base.Add(2*time.Minute)),
		}, TaskProcessing},
		{"processing", []event.Event{
			taskEvent("e1", "t", event.TypeTaskStarted, base),
			taskEvent("e2", "t", event.TypeActionStarted, base.Add(time.Minute)),
		}, TaskProcessing},
	}
	for _, tc := range cases {
		got := deriveTask("t", tc.evs)
		if got.Status != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got.Status)
		}
	}
}

func TestDeriveTaskFields(t *testing.T) {
	base := testNow.Add(-time.Hour)

	start := taskEvent("e1", "t", event.TypeTaskStarted, base)
	start.ProjectID = "p1"
	start.Payload = json.RawMessage(`{"kind":"task","data":{"task_type":"research"}}`)
	action := taskEvent("e2", "t", event.TypeActionStarted, base.Add(time.Minute))
	llm := taskEvent("e3", "t", event.TypeCustom, base.Add(2*time.Minute))
	llm.Payload = json.RawMessage(`{"kind":"llm_call","data":{"name":"plan","model":"gpt-x","cost":0.75}}`)
	failedAction := taskEvent("e4", "t", event.TypeActionFailed, base.Add(3*time.Minute))
	done := taskEvent("e5", "t", event.TypeTaskCompleted, base.Add(5*time.Minute))

	task := deriveTask("t", []event.Event{start, action, llm, failedAction, done})
	if task.AgentID != "a1" || task.ProjectID != "p1" || task.Type != "research" {
		t.Fatalf("identity fields: %+v", task)
	}
	if !task.StartedAt.Equal(base) || !task.EndedAt.Equal(base.Add(5*time.Minute)) {
		t.Fatalf("time bounds: %+v", task)
	}
	if task.DurationMS != 5*60*1000 {
		t.Fatalf("duration: %d", task.DurationMS)
	}
	if task.Cost != 0.75 {
		t.Fatalf("cost: %f", task.Cost)
	}
	if task.ActionCount != 1 || task.ErrorCount != 1 || task.EventCount != 5 {
		t.Fatalf("counts: %+v", task)
	}
}

func TestListTasksPagination(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	base := testNow.Add(-2 * time.Hour)

	var evs []event.Event
	for i := 0; i < 5; i++ {
		taskID := fmt.Sprintf("task-%d", i)
		evs = append(evs,
			taskEvent(taskID+"-s", taskID, event.TypeTaskStarted, base.Add(time.Duration(i)*time.Minute)),
			taskEvent(taskID+"-c", taskID, event.TypeTaskCompleted, base.Add(time.Duration(i)*time.Minute+30*time.Second)),
		)
	}
	if _, err := store.InsertEvents(ctx, "t1", evs); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	page, next, err := e.ListTasks(ctx, TaskFilter{TenantID: "t1", Limit: 2})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(page) != 2 || next == "" {
		t.Fatalf("page 1: %d tasks, cursor %q", len(page), next)
	}
	if page[0].TaskID != "task-4" || page[1].TaskID != "task-3" {
		t.Fatalf("newest-started first: %s, %s", page[0].TaskID, page[1].TaskID)
	}

	page2, next2, err := e.ListTasks(ctx, TaskFilter{TenantID: "t1", Limit: 2, Cursor: next})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 2 || page2[0].TaskID != "task-2" {
		t.Fatalf("page 2: %+v", page2)
	}

	page3, next3, err := e.ListTasks(ctx, TaskFilter{TenantID: "t1", Limit: 2, Cursor: next2})
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if len(page3) != 1 || page3[0].TaskID != "task-0" || next3 != "" {
		t.Fatalf("page 3: %+v cursor %q", page3, next3)
	}
}

func TestListTasksStatusFilter(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	base := testNow.Add(-time.Hour)

	evs := []event.Event{
		taskEvent("e1", "good", event.TypeTaskStarted, base),
		taskEvent("e2", "good", event.TypeTaskCompleted, base.Add(time.Minute)),
		taskEvent("e3", "bad", event.TypeTaskStarted, base),
		taskEvent("e4", "bad", event.TypeTaskFailed, base.Add(time.Minute)),
	}
	if _, err := store.InsertEvents(ctx, "t1", evs); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	tasks, _, err := e.ListTasks(ctx, TaskFilter{TenantID: "t1", Status: TaskFailed})
	if err != nil || len(tasks) != 1 || tasks[0].TaskID != "bad" {
		t.Fatalf("status filter: %+v, %v", tasks, err)
	}
}

func TestListTasksInvalidCursor(t *testing.T) {
	e, _ := newTestEngine(t)
	_, _, err := e.ListTasks(context.Background(), TaskFilter{TenantID: "t1", Cursor: "!!!"})
	if !errors.Is(err, storage.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestGetTask(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	base := testNow.Add(-time.Hour)

	if _, err := store.InsertEvents(ctx, "t1", []event.Event{
		taskEvent("e1", "task-1", event.TypeTaskStarted, base),
	}); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	task, err := e.GetTask(ctx, "t1", "task-1")
	if err != nil || task.TaskID != "task-1" {
		t.Fatalf("GetTask: %+v, %v", task, err)
	}
	if _, err := e.GetTask(ctx, "t1", "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing task: %v", err)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	cursor := EncodeCursor(ts, "e42")
	gotTS, gotID, err := DecodeCursor(cursor)
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}
	if !gotTS.Equal(ts) || gotID != "e42" {
		t.Fatalf("round trip: %v, %s", gotTS, gotID)
	}

	gotTS, gotID, err = DecodeCursor("")
	if err != nil || !gotTS.IsZero() || gotID != "" {
		t.Fatalf("empty cursor: %v, %s, %v", gotTS, gotID, err)
	}
	if _, _, err := DecodeCursor("not base64!!"); err == nil {
		t.Fatal("garbage cursor should error")
	}
}
