package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// TodoView is one active TODO in an agent's pipeline.
type TodoView struct {
	TodoID    string    `json:"todo_id"`
	Summary   string    `json:"summary,omitempty"`
	Action    string    `json:"action"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IssueView is one active issue in an agent's pipeline.
type IssueView struct {
	IssueID   string    `json:"issue_id"`
	Severity  string    `json:"severity,omitempty"`
	Category  string    `json:"category,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pipeline is the per-agent work-in-flight view.
type Pipeline struct {
	AgentID    string          `json:"agent_id"`
	QueueState json.RawMessage `json:"queue_state,omitempty"`
	Todos      []TodoView      `json:"todos"`
	Scheduled  json.RawMessage `json:"scheduled,omitempty"`
	Issues     []IssueView     `json:"issues"`
}

// FleetPipeline aggregates per-agent pipelines.
type FleetPipeline struct {
	TotalTodos  int        `json:"total_todos"`
	TotalIssues int        `json:"total_issues"`
	Agents      []Pipeline `json:"agents"`
}

// pipelineScanWindow bounds the event scan behind a pipeline view. TODOs and
// issues older than this are treated as abandoned.
const pipelineScanWindow = 7 * 24 * time.Hour

// Pipeline derives the work-in-flight view for one agent.
func (e *Engine) Pipeline(ctx context.Context, tenantID, agentID string) (Pipeline, error) {
	a, err := e.backend.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return Pipeline{}, err
	}

	evs, err := e.backend.ListEvents(ctx, storage.EventFilter{
		TenantID: tenantID,
		AgentID:  agentID,
		Since:    e.now().Add(-pipelineScanWindow),
	})
	if err != nil {
		return Pipeline{}, err
	}
	// ListEvents is newest-first; fold oldest-first so the latest action per
	// item wins.
	p := Pipeline{AgentID: agentID, QueueState: a.QueueState, Todos: []TodoView{}, Issues: []IssueView{}}

	todos := map[string]*TodoView{}
	issues := map[string]*IssueView{}
	var scheduled json.RawMessage

	for i := len(evs) - 1; i >= 0; i-- {
		ev := &evs[i]
		pl, err := event.ParsePayload(ev.Payload)
		if err != nil || pl == nil {
			continue
		}
		switch pl.Kind {
		case event.KindTodo:
			todo, ok := pl.Todo()
			if !ok || todo.TodoID == "" {
				continue
			}
			todos[todo.TodoID] = &TodoView{
				TodoID:    todo.TodoID,
				Summary:   todo.Summary,
				Action:    todo.Action,
				UpdatedAt: ev.Timestamp,
			}
		case event.KindIssue:
			issue, ok := pl.Issue()
			if !ok {
				continue
			}
			key := issue.IssueID
			if key == "" {
				key = summaryHash(issue.Summary)
			}
			issues[key] = &IssueView{
				IssueID:   key,
				Severity:  issue.Severity,
				Category:  issue.Category,
				Summary:   issue.Summary,
				UpdatedAt: ev.Timestamp,
			}
			if issue.Action == "resolved" {
				delete(issues, key)
			}
		case event.KindScheduled:
			scheduled = ev.Payload
		}
	}

	for _, todo := range todos {
		switch todo.Action {
		case "completed", "dismissed":
			continue
		}
		p.Todos = append(p.Todos, *todo)
	}
	for _, issue := range issues {
		p.Issues = append(p.Issues, *issue)
	}
	sortTodosByUpdated(p.Todos)
	sortIssuesByUpdated(p.Issues)
	p.Scheduled = scheduled
	return p, nil
}

// FleetPipeline derives pipelines for every agent in the tenant.
func (e *Engine) FleetPipeline(ctx context.Context, tenantID string) (FleetPipeline, error) {
	agents, err := e.backend.ListAgents(ctx, storage.AgentFilter{TenantID: tenantID})
	if err != nil {
		return FleetPipeline{}, err
	}

	fleet := FleetPipeline{Agents: []Pipeline{}}
	for i := range agents {
		p, err := e.Pipeline(ctx, tenantID, agents[i].AgentID)
		if err != nil {
			return FleetPipeline{}, err
		}
		fleet.TotalTodos += len(p.Todos)
		fleet.TotalIssues += len(p.Issues)
		fleet.Agents = append(fleet.Agents, p)
	}
	return fleet, nil
}

func summaryHash(summary string) string {
	sum := sha256.Sum256([]byte(summary))
	return "sum_" + hex.EncodeToString(sum[:8])
}

func sortTodosByUpdated(todos []TodoView) {
	sort.Slice(todos, func(i, j int) bool { return todos[i].UpdatedAt.After(todos[j].UpdatedAt) })
}

func sortIssuesByUpdated(issues []IssueView) {
	sort.Slice(issues, func(i, j int) bool { return issues[i].UpdatedAt.After(issues[j].UpdatedAt) })
}
