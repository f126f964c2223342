// Package storage defines the abstract backend contract shared by the
// in-memory reference implementation and any future RDBMS implementation.
// Methods are per-table and single-purpose; the one exception is
// ApplyIngest, which commits the ingest batch (events, agent cache,
// junction, rollup buckets) as a unit.
package storage

import (
	"context"
	"time"

	"github.com/hiveboard/hiveboard/internal/event"
)

// BucketApply mutates rollup buckets for one accepted event. The rollup
// package provides the implementation; backends run it inside the ingest
// transaction. The model callback lazily materializes the per-model bucket
// for the event's hour, so non-LLM events never touch the model table.
type BucketApply func(ev event.Event, agent *AgentBucket, model func(model string) *ModelBucket)

// IngestBatch is the transactional write-set for one accepted batch.
type IngestBatch struct {
	TenantID     string
	Events       []event.Event // validated, expanded, deduplicated downstream
	Agent        AgentUpdate
	ProjectLinks []string // project IDs to junction with the agent
}

// IngestResult reports what ApplyIngest committed.
type IngestResult struct {
	Inserted []event.Event // events actually inserted (duplicates dropped)
	Agent    Agent         // agent cache row after the upsert
}

// Backend is the storage contract. All failures belong to the typed error
// family in errors.go.
type Backend interface {
	// Tenants and identities.
	CreateTenant(ctx context.Context, t Tenant) error
	GetTenant(ctx context.Context, tenantID string) (Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, tenantID, userID string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error) // global: one email, one tenant
	ListUsers(ctx context.Context, tenantID string) ([]User, error)
	CreateInvite(ctx context.Context, inv Invite) error
	GetInviteByToken(ctx context.Context, token string) (Invite, error)
	ListInvites(ctx context.Context, tenantID string) ([]Invite, error)
	DeleteInvite(ctx context.Context, tenantID, inviteID string) error
	FindInviteByEmail(ctx context.Context, email string) (Invite, bool, error)

	// API keys. AuthenticateKey looks up active keys by SHA-256 hash.
	CreateAPIKey(ctx context.Context, k APIKey) error
	AuthenticateKey(ctx context.Context, keyHash string) (APIKey, error)
	TouchAPIKey(ctx context.Context, keyID string, at time.Time) error
	ListAPIKeys(ctx context.Context, tenantID string) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, tenantID, keyID string) error

	// Projects.
	CreateProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, tenantID, projectID string) (Project, error)
	GetProjectBySlug(ctx context.Context, tenantID, slug string) (Project, error)
	ListProjects(ctx context.Context, tenantID string, includeArchived bool) ([]Project, error)
	UpdateProject(ctx context.Context, p Project) error
	SetProjectArchived(ctx context.Context, tenantID, projectID string, archived bool) error
	// DeleteProject reassigns the project's events and junction rows to
	// reassignTo, then removes the project row.
	DeleteProject(ctx context.Context, tenantID, projectID, reassignTo string) error
	// MergeProject reassigns source's events and junctions to target and
	// archives source.
	MergeProject(ctx context.Context, tenantID, sourceID, targetID string) error

	// Agents and the project-agent junction.
	UpsertAgent(ctx context.Context, tenantID string, upd AgentUpdate) (Agent, error)
	GetAgent(ctx context.Context, tenantID, agentID string) (Agent, error)
	ListAgents(ctx context.Context, f AgentFilter) ([]Agent, error)
	LinkProjectAgent(ctx context.Context, tenantID, projectID, agentID string) error
	ListAgentProjects(ctx context.Context, tenantID, agentID string) ([]string, error)

	// Events.
	InsertEvents(ctx context.Context, tenantID string, events []event.Event) (int, error)
	GetEvent(ctx context.Context, tenantID, eventID string) (event.Event, error)
	ListEvents(ctx context.Context, f EventFilter) ([]event.Event, error)
	TaskEvents(ctx context.Context, tenantID, taskID string) ([]event.Event, error)
	CountEvents(ctx context.Context, f EventFilter) (int, error)

	// Ingest transactional core: event insert, agent upsert, junction
	// links, and bucket updates commit together.
	ApplyIngest(ctx context.Context, batch IngestBatch, apply BucketApply) (IngestResult, error)

	// Hourly rollups. ReplayBuckets re-applies every retained event of a
	// tenant to freshly created buckets; callers reset first.
	ReplayBuckets(ctx context.Context, tenantID string, apply BucketApply) (int, error)
	ListAgentBuckets(ctx context.Context, f BucketFilter) ([]AgentBucket, error)
	ListModelBuckets(ctx context.Context, f BucketFilter) ([]ModelBucket, error)
	ResetBuckets(ctx context.Context, tenantID string) error
	PruneAggregates(ctx context.Context, olderThan time.Time) (int, error)

	// Alerts.
	CreateAlertRule(ctx context.Context, r AlertRule) error
	GetAlertRule(ctx context.Context, tenantID, ruleID string) (AlertRule, error)
	ListAlertRules(ctx context.Context, tenantID string) ([]AlertRule, error)
	UpdateAlertRule(ctx context.Context, r AlertRule) error
	DeleteAlertRule(ctx context.Context, tenantID, ruleID string) error
	InsertAlert(ctx context.Context, a Alert) error
	ListAlertHistory(ctx context.Context, tenantID string, limit int) ([]Alert, error)
	LastAlertForRule(ctx context.Context, tenantID, ruleID string) (Alert, bool, error)

	// Retention primitives.
	DeleteEventsBefore(ctx context.Context, tenantID string, cutoff time.Time) (int, error)
	CompactHeartbeats(ctx context.Context, tenantID string, olderThan time.Time) (int, error)

	Close() error
}
