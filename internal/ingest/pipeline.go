// Package ingest implements the event intake pipeline: envelope and
// per-event validation, envelope expansion, project checks, the transactional
// commit, and the best-effort broadcast and alert hand-offs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/rollup"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// Batch limits.
const (
	MaxBatchEvents = 500
	MaxBodyBytes   = 1 << 20 // 1 MB
	MaxPayloadSize = 32 << 10

	maxIDLen    = 256
	maxEnvLen   = 64
	maxGroupLen = 128
)

// Envelope carries batch-level agent fields merged into each event.
type Envelope struct {
	AgentID      string `json:"agent_id"`
	AgentType    string `json:"agent_type,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	Framework    string `json:"framework,omitempty"`
	Runtime      string `json:"runtime,omitempty"`
	SDKVersion   string `json:"sdk_version,omitempty"`
	Environment  string `json:"environment,omitempty"`
	Group        string `json:"group,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
}

// Request is the POST /v1/ingest body.
type Request struct {
	Envelope Envelope      `json:"envelope"`
	Events   []event.Event `json:"events"`
}

// EventError is one per-event rejection in a 207 response.
type EventError struct {
	EventID string `json:"event_id"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Result is the ingest response body.
type Result struct {
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Warnings []string      `json:"warnings,omitempty"`
	Errors   []EventError  `json:"errors,omitempty"`
	Events   []event.Event `json:"-"` // accepted events, for broadcast
}

// Partial reports whether the response should be 207.
func (r *Result) Partial() bool { return r.Rejected > 0 }

// Broadcaster receives accepted events after commit.
type Broadcaster interface {
	BroadcastEvents(tenantID string, events []event.Event)
}

// StatusObserver re-derives the agent's status after commit so transitions
// broadcast promptly.
type StatusObserver interface {
	Observe(now time.Time, a *storage.Agent)
}

// AlertSink receives accepted events for rule evaluation.
type AlertSink interface {
	EvaluateBatch(ctx context.Context, tenantID string, events []event.Event)
}

// Pipeline is the ingest coordinator. Broadcast, status observation and
// alert evaluation are optional and always best-effort.
type Pipeline struct {
	backend            storage.Backend
	logger             *zap.Logger
	broadcaster        Broadcaster
	statusObserver     StatusObserver
	alerts             AlertSink
	autoCreateProjects bool
	now                func() time.Time
}

func New(backend storage.Backend, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		backend: backend,
		logger:  logger.Named("ingest"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetBroadcaster wires the WebSocket fan-out.
func (p *Pipeline) SetBroadcaster(b Broadcaster, obs StatusObserver) {
	p.broadcaster = b
	p.statusObserver = obs
}

// SetAlertSink wires the alert engine.
func (p *Pipeline) SetAlertSink(a AlertSink) { p.alerts = a }

// SetAutoCreateProjects switches unknown project slugs from rejection to
// creation. Off by default.
func (p *Pipeline) SetAutoCreateProjects(on bool) { p.autoCreateProjects = on }

// ErrEnvelope marks structural failures that reject the whole batch with 400.
var ErrEnvelope = errors.New("invalid envelope")

// Ingest runs the pipeline for one authenticated batch.
func (p *Pipeline) Ingest(ctx context.Context, tenantID string, req *Request) (*Result, error) {
	if req.Envelope.AgentID == "" {
		return nil, fmt.Errorf("envelope.agent_id is required: %w", ErrEnvelope)
	}
	if len(req.Envelope.AgentID) > maxIDLen {
		return nil, fmt.Errorf("envelope.agent_id exceeds %d chars: %w", maxIDLen, ErrEnvelope)
	}
	if len(req.Events) > MaxBatchEvents {
		return nil, fmt.Errorf("batch exceeds %d events: %w", MaxBatchEvents, ErrEnvelope)
	}

	res := &Result{}
	now := p.now()

	valid := make([]event.Event, 0, len(req.Events))
	for i := range req.Events {
		ev := req.Events[i]
		if rejectCode, msg := validateEvent(&ev); rejectCode != "" {
			res.Rejected++
			res.Errors = append(res.Errors, EventError{EventID: ev.EventID, Error: rejectCode, Message: msg})
			continue
		}

		pl, err := event.ParsePayload(ev.Payload)
		if err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, EventError{EventID: ev.EventID, Error: "invalid_payload", Message: err.Error()})
			continue
		}
		res.Warnings = append(res.Warnings, pl.CheckConvention(ev.EventID)...)

		expandEnvelope(&ev, &req.Envelope, tenantID, now, pl)
		valid = append(valid, ev)
	}

	valid, err := p.resolveProjects(ctx, tenantID, valid, res)
	if err != nil {
		return nil, err
	}

	if len(valid) == 0 && res.Rejected == 0 {
		return res, nil
	}

	batch := storage.IngestBatch{
		TenantID:     tenantID,
		Events:       valid,
		Agent:        buildAgentUpdate(&req.Envelope, valid),
		ProjectLinks: projectLinks(valid),
	}
	committed, err := p.backend.ApplyIngest(ctx, batch, rollup.Apply)
	if err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	// Duplicates drop out in the store, so the count reflects what actually
	// landed, not what passed validation.
	res.Accepted = len(committed.Inserted)
	res.Events = committed.Inserted

	p.afterCommit(ctx, tenantID, &committed)
	return res, nil
}

// afterCommit runs the best-effort stages: broadcast, status observation,
// alert evaluation. Failures are logged and never surfaced to the caller.
func (p *Pipeline) afterCommit(ctx context.Context, tenantID string, committed *storage.IngestResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("post-commit stage panicked", zap.Any("panic", r))
		}
	}()

	if p.broadcaster != nil && len(committed.Inserted) > 0 {
		p.broadcaster.BroadcastEvents(tenantID, committed.Inserted)
	}
	if p.statusObserver != nil {
		agent := committed.Agent
		p.statusObserver.Observe(p.now(), &agent)
	}
	if p.alerts != nil && len(committed.Inserted) > 0 {
		p.alerts.EvaluateBatch(ctx, tenantID, committed.Inserted)
	}
}

// validateEvent enforces the structural per-event rules. It returns an error
// code and message, or an empty code when the event is valid.
func validateEvent(ev *event.Event) (string, string) {
	if ev.EventID == "" {
		return "missing_event_id", "event_id is required"
	}
	if ev.Timestamp.IsZero() {
		return "missing_timestamp", "timestamp is required"
	}
	if !event.ValidType(ev.Type) {
		return "invalid_event_type", fmt.Sprintf("unknown event_type %q", ev.Type)
	}
	if ev.Severity != "" && !event.ValidSeverity(ev.Severity) {
		return "invalid_severity", fmt.Sprintf("unknown severity %q", ev.Severity)
	}
	if len(ev.EventID) > maxIDLen {
		return "field_too_long", fmt.Sprintf("event_id exceeds %d chars", maxIDLen)
	}
	if len(ev.AgentID) > maxIDLen {
		return "field_too_long", fmt.Sprintf("agent_id exceeds %d chars", maxIDLen)
	}
	if len(ev.TaskID) > maxIDLen {
		return "field_too_long", fmt.Sprintf("task_id exceeds %d chars", maxIDLen)
	}
	if len(ev.Environment) > maxEnvLen {
		return "field_too_long", fmt.Sprintf("environment exceeds %d chars", maxEnvLen)
	}
	if len(ev.Group) > maxGroupLen {
		return "field_too_long", fmt.Sprintf("group exceeds %d chars", maxGroupLen)
	}
	if len(ev.Payload) > MaxPayloadSize {
		return "payload_too_large", fmt.Sprintf("payload exceeds %d bytes", MaxPayloadSize)
	}
	return "", ""
}

// expandEnvelope merges envelope fields into the event (event-level values
// win), stamps tenant and receipt time, and applies severity defaults.
func expandEnvelope(ev *event.Event, env *Envelope, tenantID string, now time.Time, pl *event.Payload) {
	ev.TenantID = tenantID
	ev.ReceivedAt = now
	if ev.AgentID == "" {
		ev.AgentID = env.AgentID
	}
	if ev.Environment == "" {
		ev.Environment = env.Environment
	}
	if ev.Group == "" {
		ev.Group = env.Group
	}
	if ev.ProjectID == "" {
		ev.ProjectID = env.ProjectID
	}
	if ev.Severity == "" {
		ev.Severity = event.DefaultSeverity(ev.Type, pl)
	}
}

// resolveProjects rejects events whose project_id does not resolve to a live
// project. Project references may be IDs or slugs; with auto-create enabled,
// unknown slugs create a project instead.
func (p *Pipeline) resolveProjects(ctx context.Context, tenantID string, evs []event.Event, res *Result) ([]event.Event, error) {
	resolved := map[string]string{} // reference -> project_id ("" = invalid)
	out := evs[:0]
	for _, ev := range evs {
		if ev.ProjectID == "" {
			out = append(out, ev)
			continue
		}
		id, seen := resolved[ev.ProjectID]
		if !seen {
			var err error
			id, err = p.resolveProject(ctx, tenantID, ev.ProjectID)
			if err != nil {
				return nil, err
			}
			resolved[ev.ProjectID] = id
		}
		if id == "" {
			res.Rejected++
			res.Errors = append(res.Errors, EventError{
				EventID: ev.EventID,
				Error:   "invalid_project_id",
				Message: fmt.Sprintf("project %q not found", ev.ProjectID),
			})
			continue
		}
		ev.ProjectID = id
		out = append(out, ev)
	}
	return out, nil
}

// resolveProject returns the live project ID for a reference, or "" when the
// reference is invalid.
func (p *Pipeline) resolveProject(ctx context.Context, tenantID, ref string) (string, error) {
	if proj, err := p.backend.GetProject(ctx, tenantID, ref); err == nil {
		if proj.Archived {
			return "", nil
		}
		return proj.ProjectID, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	proj, err := p.backend.GetProjectBySlug(ctx, tenantID, ref)
	if err == nil {
		if proj.Archived {
			return "", nil
		}
		return proj.ProjectID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	if !p.autoCreateProjects {
		return "", nil
	}
	created := storage.Project{
		ProjectID: uuid.NewString(),
		TenantID:  tenantID,
		Name:      ref,
		Slug:      ref,
		CreatedAt: p.now(),
	}
	if err := p.backend.CreateProject(ctx, created); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost a create race; re-resolve.
			if proj, gerr := p.backend.GetProjectBySlug(ctx, tenantID, ref); gerr == nil {
				return proj.ProjectID, nil
			}
		}
		return "", err
	}
	p.logger.Info("auto-created project", zap.String("tenant_id", tenantID), zap.String("slug", ref))
	return created.ProjectID, nil
}

// buildAgentUpdate derives the cache mutation from the envelope and the
// accepted events: last_seen is the max event timestamp, last_heartbeat only
// moves when the batch carries one, and the trailing identity fields come
// from the chronologically latest event.
func buildAgentUpdate(env *Envelope, evs []event.Event) storage.AgentUpdate {
	upd := storage.AgentUpdate{
		AgentID:      env.AgentID,
		AgentType:    env.AgentType,
		AgentVersion: env.AgentVersion,
		Framework:    env.Framework,
		Runtime:      env.Runtime,
		SDKVersion:   env.SDKVersion,
		Environment:  env.Environment,
		Group:        env.Group,
	}

	ordered := make([]event.Event, len(evs))
	copy(ordered, evs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	for i := range ordered {
		ev := &ordered[i]
		if ev.Timestamp.After(upd.LastSeen) {
			upd.LastSeen = ev.Timestamp
		}
		if ev.Type == event.TypeHeartbeat {
			upd.LastHeartbeat = ev.Timestamp
			if len(ev.Payload) > 0 {
				upd.HeartbeatPayload = ev.Payload
			}
		}
		upd.LastEventType = ev.Type
		if ev.TaskID != "" {
			upd.LastTaskID = ev.TaskID
		}
		if ev.ProjectID != "" {
			upd.LastProjectID = ev.ProjectID
		}
		if p, err := event.ParsePayload(ev.Payload); err == nil && p != nil {
			if p.Kind == event.KindQueueSnapshot {
				upd.QueueState = ev.Payload
			}
			if ev.Type == event.TypeAgentRegistered {
				if threshold := p.Int("stuck_threshold_seconds"); threshold > 0 {
					upd.StuckThresholdSeconds = int(threshold)
				}
			}
		}
	}
	return upd
}

// projectLinks collects the distinct project IDs the batch touched.
func projectLinks(evs []event.Event) []string {
	seen := map[string]struct{}{}
	var out []string
	for i := range evs {
		id := evs[i].ProjectID
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
