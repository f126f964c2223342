package storage

import (
	"encoding/json"
	"time"

	"github.com/hiveboard/hiveboard/internal/event"
)

// Retention plans. The plan window bounds raw event retention; hourly
// buckets always keep 90 days.
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// RetentionWindow returns the raw-event retention for a plan. Unknown plans
// get the free window.
func RetentionWindow(plan string) time.Duration {
	switch plan {
	case PlanPro:
		return 30 * 24 * time.Hour
	case PlanEnterprise:
		return 90 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// AggregateRetention bounds hourly bucket retention regardless of plan.
const AggregateRetention = 90 * 24 * time.Hour

// Tenant is the security and billing boundary.
type Tenant struct {
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

// Roles, strongest first.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// User is an identity within one tenant. Email is globally unique across
// all tenants.
type User struct {
	UserID       string    `json:"user_id"`
	TenantID     string    `json:"tenant_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Invite is a pending invitation to join a tenant.
type Invite struct {
	InviteID  string    `json:"invite_id"`
	TenantID  string    `json:"tenant_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Role      string    `json:"role"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// API key types.
const (
	KeyTypeLive = "live"
	KeyTypeTest = "test"
	KeyTypeRead = "read"
)

// APIKey is an authentication credential. Only the SHA-256 hash of the
// issued key is stored; the raw key is returned once at issuance.
type APIKey struct {
	KeyID      string     `json:"key_id"`
	TenantID   string     `json:"tenant_id"`
	UserID     string     `json:"user_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	KeyType    string     `json:"key_type"`
	Active     bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Project groups agents and events within a tenant. Every tenant has a
// non-deletable "default" project.
const DefaultProjectSlug = "default"

type Project struct {
	ProjectID   string    `json:"project_id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Environment string    `json:"environment,omitempty"`
	Archived    bool      `json:"is_archived"`
	CreatedAt   time.Time `json:"created_at"`
}

// Agent is the per-agent cache row, mirroring the latest envelope. It is
// not the source of truth: status is always derived at query time.
type Agent struct {
	TenantID              string          `json:"tenant_id"`
	AgentID               string          `json:"agent_id"`
	AgentType             string          `json:"agent_type,omitempty"`
	AgentVersion          string          `json:"agent_version,omitempty"`
	Framework             string          `json:"framework,omitempty"`
	Runtime               string          `json:"runtime,omitempty"`
	SDKVersion            string          `json:"sdk_version,omitempty"`
	Environment           string          `json:"environment,omitempty"`
	Group                 string          `json:"group,omitempty"`
	FirstSeen             time.Time       `json:"first_seen"`
	LastSeen              time.Time       `json:"last_seen"`
	LastHeartbeat         time.Time       `json:"last_heartbeat,omitempty"`
	LastEventType         event.Type      `json:"last_event_type,omitempty"`
	LastTaskID            string          `json:"last_task_id,omitempty"`
	LastProjectID         string          `json:"last_project_id,omitempty"`
	HeartbeatPayload      json.RawMessage `json:"heartbeat_payload,omitempty"`
	QueueState            json.RawMessage `json:"queue_state,omitempty"`
	StuckThresholdSeconds int             `json:"stuck_threshold_seconds,omitempty"`
}

// AgentUpdate carries the per-batch agent cache mutation. Empty string and
// zero values mean "no change" (COALESCE semantics); LastSeen advances only
// forward.
type AgentUpdate struct {
	AgentID               string
	AgentType             string
	AgentVersion          string
	Framework             string
	Runtime               string
	SDKVersion            string
	Environment           string
	Group                 string
	LastSeen              time.Time
	LastHeartbeat         time.Time
	LastEventType         event.Type
	LastTaskID            string
	LastProjectID         string
	HeartbeatPayload      json.RawMessage
	QueueState            json.RawMessage
	StuckThresholdSeconds int
}

// AgentFilter narrows agent listings.
type AgentFilter struct {
	TenantID    string
	ProjectID   string
	Environment string
	Group       string
}

// EventFilter narrows event scans. Zero times mean unbounded; Before is the
// exclusive pagination cursor tuple (newest-first listing).
type EventFilter struct {
	TenantID      string
	AgentID       string
	TaskID        string
	ProjectID     string
	Environment   string
	Group         string
	Types         []event.Type
	MinSeverity   event.Severity
	Since         time.Time
	Until         time.Time
	BeforeTime    time.Time
	BeforeEventID string
	Limit         int
}

// Usage is a call/token/cost tally used by per-model, per-agent and
// per-call-name breakdowns inside buckets.
type Usage struct {
	Calls     int64   `json:"calls"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	Cost      float64 `json:"cost"`
}

// AgentBucket is the hourly pre-aggregate keyed (tenant, agent, hour).
// All counters are monotonically incremented at ingest.
type AgentBucket struct {
	TenantID string    `json:"tenant_id"`
	AgentID  string    `json:"agent_id"`
	Hour     time.Time `json:"hour"`

	TasksStarted      int64 `json:"tasks_started"`
	TasksCompleted    int64 `json:"tasks_completed"`
	TasksFailed       int64 `json:"tasks_failed"`
	TaskDurationSumMS int64 `json:"task_duration_sum_ms"`
	ActionsStarted    int64 `json:"actions_started"`
	ActionsCompleted  int64 `json:"actions_completed"`
	ActionsFailed     int64 `json:"actions_failed"`
	Retries           int64 `json:"retries"`
	Escalations       int64 `json:"escalations"`
	ApprovalsReq      int64 `json:"approvals_requested"`
	ApprovalsRecv     int64 `json:"approvals_received"`
	Heartbeats        int64 `json:"heartbeats"`
	IssuesReported    int64 `json:"issues_reported"`

	LLMCalls         int64   `json:"llm_calls"`
	TokensIn         int64   `json:"tokens_in"`
	TokensOut        int64   `json:"tokens_out"`
	Cost             float64 `json:"cost"`
	LLMDurationSumMS int64   `json:"llm_duration_sum_ms"`
	MaxTokensIn      int64   `json:"max_tokens_in"`
	MaxTokensInCall  string  `json:"max_tokens_in_call,omitempty"`

	ByModel      map[string]*Usage `json:"by_model,omitempty"`
	ByCallName   map[string]*Usage `json:"by_call_name,omitempty"`
	ByActionName map[string]int64  `json:"by_action_name,omitempty"`
	ErrorsByType map[string]int64  `json:"errors_by_type,omitempty"`
	ErrorsByCat  map[string]int64  `json:"errors_by_category,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ModelBucket is the hourly pre-aggregate keyed (tenant, model, hour).
type ModelBucket struct {
	TenantID string    `json:"tenant_id"`
	Model    string    `json:"model"`
	Hour     time.Time `json:"hour"`

	Calls            int64   `json:"calls"`
	TokensIn         int64   `json:"tokens_in"`
	TokensOut        int64   `json:"tokens_out"`
	Cost             float64 `json:"cost"`
	DurationSumMS    int64   `json:"duration_sum_ms"`
	MaxTokensIn      int64   `json:"max_tokens_in"`
	MaxTokensInAgent string  `json:"max_tokens_in_agent,omitempty"`
	MaxTokensInCall  string  `json:"max_tokens_in_call,omitempty"`

	ByAgent    map[string]*Usage `json:"by_agent,omitempty"`
	ByCallName map[string]*Usage `json:"by_call_name,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// BucketFilter narrows bucket scans to a tenant and hour range. Zero times
// mean unbounded; Until is exclusive.
type BucketFilter struct {
	TenantID string
	AgentID  string
	Model    string
	Since    time.Time
	Until    time.Time
}

// Alert condition kinds.
const (
	CondAgentStuck       = "agent_stuck"
	CondTaskFailed       = "task_failed"
	CondErrorRate        = "error_rate"
	CondDurationExceeded = "duration_exceeded"
	CondHeartbeatLost    = "heartbeat_lost"
	CondCostThreshold    = "cost_threshold"
)

// AlertCondition is the union of per-kind configuration; only the fields
// relevant to Kind are read.
type AlertCondition struct {
	Kind                  string  `json:"kind"`
	AgentID               string  `json:"agent_id,omitempty"`
	ProjectID             string  `json:"project_id,omitempty"`
	StuckThresholdSeconds int     `json:"stuck_threshold_seconds,omitempty"`
	ThresholdCount        int     `json:"threshold_count,omitempty"`
	WindowSeconds         int     `json:"window_seconds,omitempty"`
	ThresholdPercent      float64 `json:"threshold_percent,omitempty"`
	ThresholdMS           int64   `json:"threshold_ms,omitempty"`
	ThresholdUSD          float64 `json:"threshold_usd,omitempty"`
	WindowHours           int     `json:"window_hours,omitempty"`
	Scope                 string  `json:"scope,omitempty"` // agent | project | tenant
}

// AlertAction describes one delivery target.
type AlertAction struct {
	Type   string `json:"type"` // webhook | email
	URL    string `json:"url,omitempty"`
	Secret string `json:"secret,omitempty"`
	Email  string `json:"email,omitempty"`
}

// AlertRule is a tenant-scoped alert definition.
type AlertRule struct {
	RuleID          string         `json:"rule_id"`
	TenantID        string         `json:"tenant_id"`
	Name            string         `json:"name"`
	Condition       AlertCondition `json:"condition"`
	Actions         []AlertAction  `json:"actions"`
	CooldownSeconds int            `json:"cooldown_seconds"`
	Enabled         bool           `json:"is_enabled"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// AlertDelivery records the outcome of one action for a fired alert.
type AlertDelivery struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	Status string `json:"status"` // delivered | failed | queued
	Error  string `json:"error,omitempty"`
}

// Alert is one firing recorded in alert history.
type Alert struct {
	AlertID           string          `json:"alert_id"`
	RuleID            string          `json:"rule_id"`
	TenantID          string          `json:"tenant_id"`
	RuleName          string          `json:"rule_name"`
	FiredAt           time.Time       `json:"fired_at"`
	ConditionSnapshot string          `json:"condition_snapshot"`
	RelatedAgentID    string          `json:"related_agent_id,omitempty"`
	RelatedTaskID     string          `json:"related_task_id,omitempty"`
	Deliveries        []AlertDelivery `json:"deliveries,omitempty"`
}
