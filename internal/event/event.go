// Package event defines the telemetry event model shared by the ingest
// pipeline, the stores and the query engine. Events are the single source of
// truth; everything else (agent status, tasks, pipelines) is derived.
package event

import (
	"encoding/json"
	"time"
)

// Type is the closed set of event types agents may emit.
type Type string

const (
	TypeAgentRegistered   Type = "agent_registered"
	TypeHeartbeat         Type = "heartbeat"
	TypeTaskStarted       Type = "task_started"
	TypeTaskCompleted     Type = "task_completed"
	TypeTaskFailed        Type = "task_failed"
	TypeActionStarted     Type = "action_started"
	TypeActionCompleted   Type = "action_completed"
	TypeActionFailed      Type = "action_failed"
	TypeRetryStarted      Type = "retry_started"
	TypeEscalated         Type = "escalated"
	TypeApprovalRequested Type = "approval_requested"
	TypeApprovalReceived  Type = "approval_received"
	TypeCustom            Type = "custom"
)

// Types lists all valid event types in declaration order.
var Types = []Type{
	TypeAgentRegistered, TypeHeartbeat,
	TypeTaskStarted, TypeTaskCompleted, TypeTaskFailed,
	TypeActionStarted, TypeActionCompleted, TypeActionFailed,
	TypeRetryStarted, TypeEscalated,
	TypeApprovalRequested, TypeApprovalReceived,
	TypeCustom,
}

var validTypes = func() map[Type]struct{} {
	m := make(map[Type]struct{}, len(Types))
	for _, t := range Types {
		m[t] = struct{}{}
	}
	return m
}()

// ValidType reports whether t is one of the 13 known event types.
func ValidType(t Type) bool {
	_, ok := validTypes[t]
	return ok
}

// Severity classifies an event for filtering and display.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// SeverityRank orders severities for min-severity filters. Unknown values
// rank as info.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityDebug:
		return 0
	case SeverityWarn:
		return 2
	case SeverityError:
		return 3
	default:
		return 1
	}
}

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarn, SeverityError:
		return true
	}
	return false
}

// Event is a single telemetry record. TenantID and ReceivedAt are assigned
// by the server; everything else comes from the sender (possibly via the
// batch envelope).
type Event struct {
	EventID        string          `json:"event_id"`
	TenantID       string          `json:"tenant_id,omitempty"`
	AgentID        string          `json:"agent_id"`
	TaskID         string          `json:"task_id,omitempty"`
	ActionID       string          `json:"action_id,omitempty"`
	ParentActionID string          `json:"parent_action_id,omitempty"`
	ParentEventID  string          `json:"parent_event_id,omitempty"`
	ProjectID      string          `json:"project_id,omitempty"`
	Environment    string          `json:"environment,omitempty"`
	Group          string          `json:"group,omitempty"`
	Type           Type            `json:"event_type"`
	Severity       Severity        `json:"severity,omitempty"`
	Status         string          `json:"status,omitempty"`
	DurationMS     *int64          `json:"duration_ms,omitempty"`
	ErrorType      string          `json:"error_type,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	ReceivedAt     time.Time       `json:"received_at,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Hour returns the event's rollup bucket hour: the UTC truncation of the
// sender timestamp, never of received_at. Late events land in their
// historical hour.
func (e *Event) Hour() time.Time {
	return e.Timestamp.UTC().Truncate(time.Hour)
}

// DefaultSeverity returns the severity to assign when the sender omitted
// one. The payload, when already parsed, supplies the issue-kind override.
func DefaultSeverity(t Type, p *Payload) Severity {
	if p != nil && p.Kind == KindIssue {
		switch p.String("severity") {
		case "critical", "high":
			return SeverityError
		case "medium":
			return SeverityWarn
		case "low":
			return SeverityInfo
		default:
			// Unknown issue severities default to info.
			return SeverityInfo
		}
	}
	switch t {
	case TypeHeartbeat:
		return SeverityDebug
	case TypeRetryStarted, TypeApprovalRequested, TypeEscalated:
		return SeverityWarn
	case TypeTaskFailed, TypeActionFailed:
		return SeverityError
	default:
		return SeverityInfo
	}
}
