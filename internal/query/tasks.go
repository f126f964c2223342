package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// Task statuses.
const (
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskEscalated  = "escalated"
	TaskWaiting    = "waiting"
	TaskProcessing = "processing"
)

// Task is a projection over events sharing a task_id. Tasks are never
// stored.
type Task struct {
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	ProjectID   string    `json:"project_id,omitempty"`
	Type        string    `json:"type,omitempty"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	Cost        float64   `json:"cost"`
	ActionCount int       `json:"action_count"`
	ErrorCount  int       `json:"error_count"`
	EventCount  int       `json:"event_count"`
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	TenantID    string
	AgentID     string
	ProjectID   string
	Environment string
	Status      string
	Cursor      string
	Limit       int
}

// deriveTask folds one task's chronological events into the projection.
func deriveTask(taskID string, evs []event.Event) Task {
	t := Task{TaskID: taskID, EventCount: len(evs)}

	var sawCompleted, sawFailed, sawEscalated bool
	var approvalsReq, approvalsRecv int
	var started, ended time.Time

	for i := range evs {
		ev := &evs[i]
		if t.AgentID == "" {
			t.AgentID = ev.AgentID
		}
		if t.ProjectID == "" {
			t.ProjectID = ev.ProjectID
		}
		switch ev.Type {
		case event.TypeTaskStarted:
			if started.IsZero() || ev.Timestamp.Before(started) {
				started = ev.Timestamp
			}
			if t.Type == "" {
				if p, err := event.ParsePayload(ev.Payload); err == nil && p != nil {
					t.Type = p.String("task_type")
				}
			}
		case event.TypeTaskCompleted:
			sawCompleted = true
			if ev.Timestamp.After(ended) {
				ended = ev.Timestamp
			}
		case event.TypeTaskFailed:
			sawFailed = true
			t.ErrorCount++
			if ev.Timestamp.After(ended) {
				ended = ev.Timestamp
			}
		case event.TypeEscalated:
			sawEscalated = true
		case event.TypeApprovalRequested:
			approvalsReq++
		case event.TypeApprovalReceived:
			approvalsRecv++
		case event.TypeActionStarted:
			t.ActionCount++
		case event.TypeActionFailed:
			t.ErrorCount++
		}
		if p, err := event.ParsePayload(ev.Payload); err == nil {
			if call, ok := p.LLMCall(); ok {
				t.Cost += call.Cost
			}
		}
	}

	switch {
	case sawCompleted:
		t.Status = TaskCompleted
	case sawFailed:
		t.Status = TaskFailed
	case sawEscalated:
		t.Status = TaskEscalated
	case approvalsReq > approvalsRecv:
		t.Status = TaskWaiting
	default:
		t.Status = TaskProcessing
	}

	t.StartedAt = started
	if started.IsZero() && len(evs) > 0 {
		t.StartedAt = evs[0].Timestamp
	}
	if !ended.IsZero() {
		t.EndedAt = ended
		if !t.StartedAt.IsZero() {
			t.DurationMS = ended.Sub(t.StartedAt).Milliseconds()
		}
	}
	return t
}

// ListTasks projects tasks out of the event stream, newest-started first,
// with cursor pagination.
func (e *Engine) ListTasks(ctx context.Context, f TaskFilter) ([]Task, string, error) {
	beforeTime, beforeID, err := DecodeCursor(f.Cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", err, storage.ErrValidation)
	}

	evs, err := e.backend.ListEvents(ctx, storage.EventFilter{
		TenantID:    f.TenantID,
		AgentID:     f.AgentID,
		ProjectID:   f.ProjectID,
		Environment: f.Environment,
	})
	if err != nil {
		return nil, "", err
	}

	byTask := map[string][]event.Event{}
	for _, ev := range evs {
		if ev.TaskID == "" {
			continue
		}
		byTask[ev.TaskID] = append(byTask[ev.TaskID], ev)
	}

	tasks := make([]Task, 0, len(byTask))
	for taskID, taskEvents := range byTask {
		// ListEvents is newest-first; derivation wants chronological.
		sort.Slice(taskEvents, func(i, j int) bool {
			return taskEvents[i].Timestamp.Before(taskEvents[j].Timestamp)
		})
		t := deriveTask(taskID, taskEvents)
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].StartedAt.Equal(tasks[j].StartedAt) {
			return tasks[i].StartedAt.After(tasks[j].StartedAt)
		}
		return tasks[i].TaskID > tasks[j].TaskID
	})

	if !beforeTime.IsZero() {
		cut := 0
		for _, t := range tasks {
			if t.StartedAt.Before(beforeTime) ||
				(t.StartedAt.Equal(beforeTime) && t.TaskID < beforeID) {
				break
			}
			cut++
		}
		tasks = tasks[cut:]
	}

	limit := ClampLimit(f.Limit)
	next := ""
	if len(tasks) > limit {
		tasks = tasks[:limit]
		last := tasks[len(tasks)-1]
		next = EncodeCursor(last.StartedAt, last.TaskID)
	}
	return tasks, next, nil
}

// GetTask projects a single task.
func (e *Engine) GetTask(ctx context.Context, tenantID, taskID string) (Task, error) {
	evs, err := e.backend.TaskEvents(ctx, tenantID, taskID)
	if err != nil {
		return Task{}, err
	}
	if len(evs) == 0 {
		return Task{}, fmt.Errorf("task %s: %w", taskID, storage.ErrNotFound)
	}
	return deriveTask(taskID, evs), nil
}
