package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// ActionNode is one action in the task's action tree.
type ActionNode struct {
	ActionID    string        `json:"action_id"`
	Name        string        `json:"name,omitempty"`
	Status      string        `json:"status"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	DurationMS  int64         `json:"duration_ms,omitempty"`
	Children    []*ActionNode `json:"children,omitempty"`
}

// PlanStepView is one folded plan step in the overlay.
type PlanStepView struct {
	StepIndex int       `json:"step_index"`
	Action    string    `json:"action,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Turns     int64     `json:"turns,omitempty"`
	Tokens    int64     `json:"tokens,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlanView is the plan overlay from the latest plan_created event.
type PlanView struct {
	Goal     string         `json:"goal,omitempty"`
	Steps    []PlanStepView `json:"steps"`
	Revision int64          `json:"revision"`
}

// Timeline is the full task view: chronological events, the action tree,
// error chains and the optional plan overlay.
type Timeline struct {
	TaskID      string          `json:"task_id"`
	Events      []event.Event   `json:"events"`
	ActionTree  []*ActionNode   `json:"action_tree"`
	ErrorChains [][]event.Event `json:"error_chains"`
	Plan        *PlanView       `json:"plan,omitempty"`
}

// Timeline assembles the task timeline from its chronological event stream.
func (e *Engine) Timeline(ctx context.Context, tenantID, taskID string) (Timeline, error) {
	evs, err := e.backend.TaskEvents(ctx, tenantID, taskID)
	if err != nil {
		return Timeline{}, err
	}
	if len(evs) == 0 {
		return Timeline{}, fmt.Errorf("task %s: %w", taskID, storage.ErrNotFound)
	}
	return Timeline{
		TaskID:      taskID,
		Events:      evs,
		ActionTree:  buildActionTree(evs),
		ErrorChains: buildErrorChains(evs),
		Plan:        buildPlanOverlay(evs),
	}, nil
}

// buildActionTree groups action events by action_id and nests by
// parent_action_id. Roots are actions with no parent or an unknown parent.
func buildActionTree(evs []event.Event) []*ActionNode {
	nodes := map[string]*ActionNode{}
	parents := map[string]string{}
	var order []string

	for i := range evs {
		ev := &evs[i]
		if ev.ActionID == "" {
			continue
		}
		switch ev.Type {
		case event.TypeActionStarted, event.TypeActionCompleted, event.TypeActionFailed:
		default:
			continue
		}

		node, ok := nodes[ev.ActionID]
		if !ok {
			node = &ActionNode{ActionID: ev.ActionID}
			nodes[ev.ActionID] = node
			order = append(order, ev.ActionID)
		}
		if ev.ParentActionID != "" {
			parents[ev.ActionID] = ev.ParentActionID
		}
		if node.Name == "" {
			if p, err := event.ParsePayload(ev.Payload); err == nil && p != nil {
				if name := p.String("name"); name != "" {
					node.Name = name
				} else if p.Summary != "" {
					node.Name = p.Summary
				}
			}
		}
		switch ev.Type {
		case event.TypeActionStarted:
			node.StartedAt = ev.Timestamp
			if node.Status == "" {
				node.Status = "running"
			}
		case event.TypeActionCompleted:
			node.CompletedAt = ev.Timestamp
			node.Status = "completed"
		case event.TypeActionFailed:
			node.CompletedAt = ev.Timestamp
			node.Status = "failed"
		}
		if ev.DurationMS != nil {
			node.DurationMS = *ev.DurationMS
		}
	}

	for _, node := range nodes {
		if node.DurationMS == 0 && !node.StartedAt.IsZero() && !node.CompletedAt.IsZero() {
			node.DurationMS = node.CompletedAt.Sub(node.StartedAt).Milliseconds()
		}
	}

	var roots []*ActionNode
	for _, id := range order {
		node := nodes[id]
		parent, ok := nodes[parents[id]]
		if ok && parent != node {
			parent.Children = append(parent.Children, node)
			continue
		}
		roots = append(roots, node)
	}
	return roots
}

// buildErrorChains follows parent_event_id from retry and escalation events
// back to root causes. Each chain is oldest-first.
func buildErrorChains(evs []event.Event) [][]event.Event {
	byID := make(map[string]*event.Event, len(evs))
	for i := range evs {
		byID[evs[i].EventID] = &evs[i]
	}

	var chains [][]event.Event
	for i := range evs {
		ev := &evs[i]
		switch ev.Type {
		case event.TypeRetryStarted, event.TypeEscalated:
		default:
			continue
		}
		if ev.ParentEventID == "" {
			continue
		}

		var chain []event.Event
		seen := map[string]struct{}{}
		for cur := ev; cur != nil; {
			if _, cycle := seen[cur.EventID]; cycle {
				break
			}
			seen[cur.EventID] = struct{}{}
			chain = append(chain, *cur)
			cur = byID[cur.ParentEventID]
		}
		// Reverse to oldest-first.
		for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
			chain[l], chain[r] = chain[r], chain[l]
		}
		chains = append(chains, chain)
	}
	return chains
}

// buildPlanOverlay picks the latest plan_created event and folds plan_step
// updates into per-step state.
func buildPlanOverlay(evs []event.Event) *PlanView {
	var plan *PlanView
	steps := map[int]*PlanStepView{}

	for i := range evs {
		ev := &evs[i]
		p, err := event.ParsePayload(ev.Payload)
		if err != nil || p == nil {
			continue
		}
		switch p.Kind {
		case event.KindPlanCreated:
			// Latest plan wins; stream is chronological.
			plan = &PlanView{
				Goal:     p.String("goal"),
				Revision: p.Int("revision"),
			}
			steps = map[int]*PlanStepView{}
			if raw, ok := p.Data["steps"].([]any); ok {
				for idx, item := range raw {
					step := &PlanStepView{StepIndex: idx, UpdatedAt: ev.Timestamp}
					switch v := item.(type) {
					case string:
						step.Summary = v
					case map[string]any:
						step.Summary, _ = v["summary"].(string)
						step.Action, _ = v["action"].(string)
					}
					steps[idx] = step
				}
			}
		case event.KindPlanStep:
			ps, ok := p.PlanStep()
			if !ok {
				continue
			}
			step, exists := steps[ps.StepIndex]
			if !exists {
				step = &PlanStepView{StepIndex: ps.StepIndex}
				steps[ps.StepIndex] = step
			}
			if ps.Action != "" {
				step.Action = ps.Action
			}
			if ps.Summary != "" {
				step.Summary = ps.Summary
			}
			if ps.Turns > 0 {
				step.Turns = ps.Turns
			}
			if ps.Tokens > 0 {
				step.Tokens = ps.Tokens
			}
			step.UpdatedAt = ev.Timestamp
		}
	}

	if plan == nil {
		return nil
	}
	plan.Steps = make([]PlanStepView, 0, len(steps))
	for _, step := range steps {
		plan.Steps = append(plan.Steps, *step)
	}
	sort.Slice(plan.Steps, func(i, j int) bool { return plan.Steps[i].StepIndex < plan.Steps[j].StepIndex })
	return plan
}
