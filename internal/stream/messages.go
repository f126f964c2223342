// Package stream is the WebSocket fan-out: a per-tenant registry of
// filtered connections fed by the ingest pipeline and the status tracker.
package stream

import (
	"time"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/query"
)

// Channels a connection may subscribe to.
const (
	ChannelEvents = "events"
	ChannelAgents = "agents"
)

// Server-pushed message types.
const (
	MsgEventNew           = "event.new"
	MsgAgentStatusChanged = "agent.status_changed"
	MsgAgentStuck         = "agent.stuck"
)

// EventMessage is the event.new payload.
type EventMessage struct {
	Type  string      `json:"type"`
	Event event.Event `json:"event"`
}

// StatusChange describes one derived-status transition.
type StatusChange struct {
	AgentID             string       `json:"agent_id"`
	PreviousStatus      query.Status `json:"previous_status"`
	NewStatus           query.Status `json:"new_status"`
	Timestamp           time.Time    `json:"timestamp"`
	CurrentTaskID       string       `json:"current_task_id,omitempty"`
	HeartbeatAgeSeconds int64        `json:"heartbeat_age_seconds"`
}

// StatusMessage is the agent.status_changed / agent.stuck payload.
type StatusMessage struct {
	Type string `json:"type"`
	StatusChange
}

// Filter is a connection's subscription predicate. A new subscribe replaces
// it entirely.
type Filter struct {
	ProjectID   string         `json:"project_id,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Group       string         `json:"group,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	EventTypes  []event.Type   `json:"event_types,omitempty"`
	MinSeverity event.Severity `json:"min_severity,omitempty"`
}

// MatchEvent reports whether an event passes the filter.
func (f *Filter) MatchEvent(ev *event.Event) bool {
	if f.ProjectID != "" && ev.ProjectID != f.ProjectID {
		return false
	}
	if f.Environment != "" && ev.Environment != f.Environment {
		return false
	}
	if f.Group != "" && ev.Group != f.Group {
		return false
	}
	if f.AgentID != "" && ev.AgentID != f.AgentID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
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
	return true
}

// MatchAgent reports whether an agent status message passes the filter.
func (f *Filter) MatchAgent(agentID string) bool {
	return f.AgentID == "" || f.AgentID == agentID
}

// clientMessage is anything the client sends after the handshake.
type clientMessage struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels,omitempty"`
	Filters  Filter   `json:"filters"`
}

// serverAck is the subscribe/unsubscribe/pong reply.
type serverAck struct {
	Type       string    `json:"type"`
	ServerTime time.Time `json:"server_time,omitempty"`
}
