package event

import (
	"encoding/json"
	"fmt"
)

// Well-known payload kinds. Unknown kinds pass through as opaque JSON.
const (
	KindLLMCall       = "llm_call"
	KindQueueSnapshot = "queue_snapshot"
	KindTodo          = "todo"
	KindPlanCreated   = "plan_created"
	KindPlanStep      = "plan_step"
	KindIssue         = "issue"
	KindScheduled     = "scheduled"
)

// requiredDataFields drives the advisory payload convention check: missing
// fields produce ingest warnings, never rejections.
var requiredDataFields = map[string][]string{
	KindLLMCall:       {"name", "model"},
	KindQueueSnapshot: {"depth"},
	KindTodo:          {"todo_id", "action"},
	KindPlanCreated:   {"steps"},
	KindPlanStep:      {"step_index", "total_steps", "action"},
	KindIssue:         {"severity", "action"},
	KindScheduled:     {"items"},
}

// Payload is the parsed form of the event payload envelope
// {kind, summary?, data, tags?}.
type Payload struct {
	Kind    string         `json:"kind,omitempty"`
	Summary string         `json:"summary,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Tags    []string       `json:"tags,omitempty"`
}

// ParsePayload decodes a raw payload. A nil or empty raw payload yields nil.
func ParsePayload(raw json.RawMessage) (*Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return &p, nil
}

// CheckConvention returns advisory warnings for well-known kinds with
// missing required data fields.
func (p *Payload) CheckConvention(eventID string) []string {
	if p == nil || p.Kind == "" {
		return nil
	}
	required, ok := requiredDataFields[p.Kind]
	if !ok {
		return nil
	}
	var warnings []string
	for _, field := range required {
		if _, present := p.Data[field]; !present {
			warnings = append(warnings,
				fmt.Sprintf("event %s: payload kind %q missing data field %q", eventID, p.Kind, field))
		}
	}
	return warnings
}

// String returns the named data field as a string, or "".
func (p *Payload) String(key string) string {
	if p == nil {
		return ""
	}
	s, _ := p.Data[key].(string)
	return s
}

// Int returns the named data field as an int64. JSON numbers decode as
// float64; integral strings are not accepted.
func (p *Payload) Int(key string) int64 {
	if p == nil {
		return 0
	}
	switch v := p.Data[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Float returns the named data field as a float64.
func (p *Payload) Float(key string) float64 {
	if p == nil {
		return 0
	}
	switch v := p.Data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// LLMCall is the decoded llm_call payload data.
type LLMCall struct {
	Name            string
	Model           string
	TokensIn        int64
	TokensOut       int64
	Cost            float64
	DurationMS      int64
	PromptPreview   string
	ResponsePreview string
}

// LLMCall decodes the payload as an llm_call. The second return is false
// when the payload is not an llm_call kind.
func (p *Payload) LLMCall() (LLMCall, bool) {
	if p == nil || p.Kind != KindLLMCall {
		return LLMCall{}, false
	}
	return LLMCall{
		Name:            p.String("name"),
		Model:           p.String("model"),
		TokensIn:        p.Int("tokens_in"),
		TokensOut:       p.Int("tokens_out"),
		Cost:            p.Float("cost"),
		DurationMS:      p.Int("duration_ms"),
		PromptPreview:   p.String("prompt_preview"),
		ResponsePreview: p.String("response_preview"),
	}, true
}

// Todo is the decoded todo payload data.
type Todo struct {
	TodoID  string
	Action  string
	Summary string
}

// Todo decodes the payload as a todo item update.
func (p *Payload) Todo() (Todo, bool) {
	if p == nil || p.Kind != KindTodo {
		return Todo{}, false
	}
	return Todo{TodoID: p.String("todo_id"), Action: p.String("action"), Summary: p.Summary}, true
}

// PlanStep is the decoded plan_step payload data.
type PlanStep struct {
	StepIndex  int
	TotalSteps int
	Action     string
	Summary    string
	Turns      int64
	Tokens     int64
}

// PlanStep decodes the payload as a plan step update.
func (p *Payload) PlanStep() (PlanStep, bool) {
	if p == nil || p.Kind != KindPlanStep {
		return PlanStep{}, false
	}
	return PlanStep{
		StepIndex:  int(p.Int("step_index")),
		TotalSteps: int(p.Int("total_steps")),
		Action:     p.String("action"),
		Summary:    p.Summary,
		Turns:      p.Int("turns"),
		Tokens:     p.Int("tokens"),
	}, true
}

// Issue is the decoded issue payload data.
type Issue struct {
	IssueID  string
	Severity string
	Action   string
	Category string
	Summary  string
}

// Issue decodes the payload as an issue report/resolution.
func (p *Payload) Issue() (Issue, bool) {
	if p == nil || p.Kind != KindIssue {
		return Issue{}, false
	}
	return Issue{
		IssueID:  p.String("issue_id"),
		Severity: p.String("severity"),
		Action:   p.String("action"),
		Category: p.String("category"),
		Summary:  p.Summary,
	}, true
}
