package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hiveboard/hiveboard/internal/config"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Config{
		ListenAddr:            ":0",
		DataDir:               "",
		JWTSecret:             "test-secret",
		WebhookTimeoutSeconds: 1,
		LogLevel:              "info",
	}
	s, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

// call sends a JSON request and decodes the JSON response into a generic map.
func call(t *testing.T, srv *httptest.Server, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("%s %s: decode %s: %v", method, path, data, err)
		}
	}
	return resp.StatusCode, out
}

// register creates a tenant and returns the default live API key and the
// owner's credentials.
func register(t *testing.T, srv *httptest.Server, tenantName, email string) (apiKey string) {
	t.Helper()
	status, body := call(t, srv, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email":       email,
		"password":    "hunter2hunter2",
		"name":        "Owner",
		"tenant_name": tenantName,
	})
	if status != http.StatusCreated {
		t.Fatalf("register: %d %v", status, body)
	}
	apiKey, _ = body["api_key"].(string)
	if !strings.HasPrefix(apiKey, "hb_live_") {
		t.Fatalf("api key: %q", apiKey)
	}
	return apiKey
}

func login(t *testing.T, srv *httptest.Server, email, password string) string {
	t.Helper()
	status, body := call(t, srv, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": email, "password": password,
	})
	if status != http.StatusOK {
		t.Fatalf("login: %d %v", status, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func ingestBody(agentID string, events []map[string]any) map[string]any {
	return map[string]any{
		"envelope": map[string]any{"agent_id": agentID},
		"events":   events,
	}
}

func TestHealthAndVersion(t *testing.T) {
	_, srv := newTestServer(t)

	status, body := call(t, srv, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", status, body)
	}
	status, body = call(t, srv, http.MethodGet, "/version", "", nil)
	if status != http.StatusOK || body["version"] != Version {
		t.Fatalf("version: %d %v", status, body)
	}
}

func TestRegisterValidation(t *testing.T) {
	_, srv := newTestServer(t)
	register(t, srv, "Acme Corp", "owner@acme.test")

	// Duplicate email.
	status, body := call(t, srv, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email": "owner@acme.test", "password": "x", "tenant_name": "Other",
	})
	if status != http.StatusConflict || body["error"] != "email_exists" {
		t.Fatalf("duplicate email: %d %v", status, body)
	}

	// Duplicate slug.
	status, body = call(t, srv, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email": "other@acme.test", "password": "x", "tenant_name": "acme CORP",
	})
	if status != http.StatusConflict || body["error"] != "slug_exists" {
		t.Fatalf("duplicate slug: %d %v", status, body)
	}

	// Missing fields.
	status, body = call(t, srv, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email": "a@b.test",
	})
	if status != http.StatusBadRequest || body["error"] != "invalid_request" {
		t.Fatalf("missing fields: %d %v", status, body)
	}
}

func TestCheckSlug(t *testing.T) {
	_, srv := newTestServer(t)
	register(t, srv, "Acme Corp", "owner@acme.test")

	status, body := call(t, srv, http.MethodGet, "/v1/auth/check-slug?slug=Acme+Corp", "", nil)
	if status != http.StatusOK || body["available"] != false || body["slug"] != "acme-corp" {
		t.Fatalf("taken slug: %d %v", status, body)
	}
	status, body = call(t, srv, http.MethodGet, "/v1/auth/check-slug?slug=fresh-name", "", nil)
	if status != http.StatusOK || body["available"] != true {
		t.Fatalf("free slug: %d %v", status, body)
	}
}

func TestLogin(t *testing.T) {
	_, srv := newTestServer(t)
	register(t, srv, "Acme", "owner@acme.test")

	login(t, srv, "owner@acme.test", "hunter2hunter2")

	status, body := call(t, srv, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": "owner@acme.test", "password": "wrong",
	})
	if status != http.StatusUnauthorized || body["error"] != "authentication_failed" {
		t.Fatalf("bad password: %d %v", status, body)
	}
}

func TestUnauthenticatedRequests(t *testing.T) {
	_, srv := newTestServer(t)

	for _, path := range []string{"/v1/agents", "/v1/tasks", "/v1/events", "/v1/metrics"} {
		status, body := call(t, srv, http.MethodGet, path, "", nil)
		if status != http.StatusUnauthorized || body["error"] != "unauthorized" {
			t.Fatalf("%s: %d %v", path, status, body)
		}
	}
}

func TestIngestAndQueryFlow(t *testing.T) {
	_, srv := newTestServer(t)
	apiKey := register(t, srv, "Acme", "owner@acme.test")

	now := time.Now().UTC()
	stamp := func(d time.Duration) string { return now.Add(d).Format(time.RFC3339Nano) }

	events := []map[string]any{
		{"event_id": "e1", "event_type": "task_started", "task_id": "task-1", "timestamp": stamp(-10 * time.Minute)},
		{"event_id": "e2", "event_type": "custom", "task_id": "task-1", "timestamp": stamp(-8 * time.Minute),
			"payload": map[string]any{"kind": "llm_call", "data": map[string]any{
				"name": "draft", "model": "gpt-x", "tokens_in": 900, "tokens_out": 200, "cost": 0.25,
			}}},
		{"event_id": "e3", "event_type": "task_completed", "task_id": "task-1",
			"timestamp": stamp(-5 * time.Minute), "duration_ms": 300000},
		{"event_id": "e4", "event_type": "heartbeat", "timestamp": stamp(-time.Minute)},
	}
	status, body := call(t, srv, http.MethodPost, "/v1/ingest", apiKey, ingestBody("billing-agent", events))
	if status != http.StatusOK {
		t.Fatalf("ingest: %d %v", status, body)
	}
	if body["accepted"] != float64(4) || body["rejected"] != float64(0) {
		t.Fatalf("ingest result: %v", body)
	}

	// Agent cache reflects the batch.
	status, body = call(t, srv, http.MethodGet, "/v1/agents", apiKey, nil)
	if status != http.StatusOK {
		t.Fatalf("agents: %d %v", status, body)
	}
	agents := body["agents"].([]any)
	if len(agents) != 1 {
		t.Fatalf("agents: %v", agents)
	}
	agent := agents[0].(map[string]any)
	if agent["agent_id"] != "billing-agent" || agent["derived_status"] != "idle" {
		t.Fatalf("agent: %v", agent)
	}

	// Task derived from its events.
	status, body = call(t, srv, http.MethodGet, "/v1/tasks", apiKey, nil)
	if status != http.StatusOK {
		t.Fatalf("tasks: %d %v", status, body)
	}
	tasks := body["tasks"].([]any)
	if len(tasks) != 1 {
		t.Fatalf("tasks: %v", tasks)
	}
	task := tasks[0].(map[string]any)
	if task["task_id"] != "task-1" || task["status"] != "completed" {
		t.Fatalf("task: %v", task)
	}

	status, body = call(t, srv, http.MethodGet, "/v1/tasks/task-1/timeline", apiKey, nil)
	if status != http.StatusOK {
		t.Fatalf("timeline: %d %v", status, body)
	}

	// Event listing with a type filter.
	status, body = call(t, srv, http.MethodGet, "/v1/events?type=heartbeat", apiKey, nil)
	if status != http.StatusOK {
		t.Fatalf("events: %d %v", status, body)
	}
	if evs := body["events"].([]any); len(evs) != 1 {
		t.Fatalf("heartbeat filter: %v", evs)
	}
	status, body = call(t, srv, http.MethodGet, "/v1/events?type=launch_codes", apiKey, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("unknown type: %d %v", status, body)
	}

	// Rollup-backed metrics.
	status, body = call(t, srv, http.MethodGet, "/v1/metrics", apiKey, nil)
	if status != http.StatusOK {
		t.Fatalf("metrics: %d %v", status, body)
	}
	if body["tasks_completed"] != float64(1) || body["llm_calls"] != float64(1) {
		t.Fatalf("metrics: %v", body)
	}
	if body["cost"] != 0.25 {
		t.Fatalf("cost: %v", body["cost"])
	}

	status, body = call(t, srv, http.MethodGet, "/v1/cost?group_by=model", apiKey, nil)
	if status != http.StatusOK {
		t.Fatalf("cost: %d %v", status, body)
	}
	groups := body["groups"].([]any)
	if len(groups) != 1 {
		t.Fatalf("cost groups: %v", groups)
	}
	row := groups[0].(map[string]any)
	if row["model"] != "gpt-x" || row["cost"] != 0.25 {
		t.Fatalf("cost group row: %v", row)
	}
}

func TestIngestPartialBatch(t *testing.T) {
	_, srv := newTestServer(t)
	apiKey := register(t, srv, "Acme", "owner@acme.test")

	now := time.Now().UTC().Format(time.RFC3339Nano)
	events := []map[string]any{
		{"event_id": "e1", "event_type": "task_started", "timestamp": now},
		{"event_id": "e2", "event_type": "teleport", "timestamp": now},
	}
	status, body := call(t, srv, http.MethodPost, "/v1/ingest", apiKey, ingestBody("a1", events))
	if status != http.StatusMultiStatus {
		t.Fatalf("partial batch: %d %v", status, body)
	}
	if body["accepted"] != float64(1) || body["rejected"] != float64(1) {
		t.Fatalf("counts: %v", body)
	}
	errs := body["errors"].([]any)
	first := errs[0].(map[string]any)
	if first["event_id"] != "e2" || first["error"] != "invalid_event_type" {
		t.Fatalf("event error: %v", first)
	}
}

func TestIngestBadEnvelope(t *testing.T) {
	_, srv := newTestServer(t)
	apiKey := register(t, srv, "Acme", "owner@acme.test")

	status, body := call(t, srv, http.MethodPost, "/v1/ingest", apiKey, ingestBody("", nil))
	if status != http.StatusBadRequest || body["error"] != "invalid_envelope" {
		t.Fatalf("bad envelope: %d %v", status, body)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	_, srv := newTestServer(t)
	apiKey := register(t, srv, "Acme", "owner@acme.test")
	token := login(t, srv, "owner@acme.test", "hunter2hunter2")

	// API keys cannot manage keys; only user sessions can.
	status, body := call(t, srv, http.MethodPost, "/v1/api-keys", apiKey, map[string]any{"name": "x"})
	if status != http.StatusForbidden {
		t.Fatalf("key-managed key: %d %v", status, body)
	}

	status, body = call(t, srv, http.MethodPost, "/v1/api-keys", token, map[string]any{
		"name": "reader", "key_type": "read",
	})
	if status != http.StatusCreated {
		t.Fatalf("create key: %d %v", status, body)
	}
	readKey := body["api_key"].(string)
	keyID := body["key"].(map[string]any)["key_id"].(string)
	if !strings.HasPrefix(readKey, "hb_read_") {
		t.Fatalf("read key: %q", readKey)
	}

	// Read keys query but never mutate.
	status, _ = call(t, srv, http.MethodGet, "/v1/agents", readKey, nil)
	if status != http.StatusOK {
		t.Fatalf("read key query: %d", status)
	}
	status, body = call(t, srv, http.MethodPost, "/v1/ingest", readKey, ingestBody("a1", nil))
	if status != http.StatusForbidden {
		t.Fatalf("read key ingest: %d %v", status, body)
	}

	// Registration key plus the new one.
	status, body = call(t, srv, http.MethodGet, "/v1/api-keys", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list keys: %d %v", status, body)
	}
	if keys := body["keys"].([]any); len(keys) != 2 {
		t.Fatalf("keys: %v", keys)
	}

	status, _ = call(t, srv, http.MethodDelete, "/v1/api-keys/"+keyID, token, nil)
	if status != http.StatusNoContent {
		t.Fatalf("revoke: %d", status)
	}
	status, _ = call(t, srv, http.MethodGet, "/v1/agents", readKey, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("revoked key: %d", status)
	}
}

func TestInviteFlow(t *testing.T) {
	_, srv := newTestServer(t)
	register(t, srv, "Acme", "owner@acme.test")
	token := login(t, srv, "owner@acme.test", "hunter2hunter2")

	status, body := call(t, srv, http.MethodPost, "/v1/auth/invite", token, map[string]any{
		"email": "dev@acme.test", "role": "member",
	})
	if status != http.StatusCreated {
		t.Fatalf("invite: %d %v", status, body)
	}
	inviteToken := body["invite_token"].(string)

	// Owners cannot be invited.
	status, body = call(t, srv, http.MethodPost, "/v1/auth/invite", token, map[string]any{
		"email": "boss@acme.test", "role": "owner",
	})
	if status != http.StatusForbidden || body["error"] != "role_escalation" {
		t.Fatalf("owner invite: %d %v", status, body)
	}

	status, body = call(t, srv, http.MethodPost, "/v1/auth/accept-invite", "", map[string]any{
		"invite_token": inviteToken, "name": "Dev", "password": "s3cretpassword",
	})
	if status != http.StatusCreated || body["token"] == nil {
		t.Fatalf("accept invite: %d %v", status, body)
	}

	// The invite is consumed.
	status, body = call(t, srv, http.MethodPost, "/v1/auth/accept-invite", "", map[string]any{
		"invite_token": inviteToken, "password": "s3cretpassword",
	})
	if status != http.StatusNotFound && status != http.StatusConflict {
		t.Fatalf("reused invite: %d %v", status, body)
	}

	// The new member can log in but cannot invite.
	memberToken := login(t, srv, "dev@acme.test", "s3cretpassword")
	status, body = call(t, srv, http.MethodPost, "/v1/auth/invite", memberToken, map[string]any{
		"email": "pal@acme.test",
	})
	if status != http.StatusForbidden {
		t.Fatalf("member invite: %d %v", status, body)
	}
}

func TestProjectLifecycle(t *testing.T) {
	_, srv := newTestServer(t)
	apiKey := register(t, srv, "Acme", "owner@acme.test")
	token := login(t, srv, "owner@acme.test", "hunter2hunter2")

	status, body := call(t, srv, http.MethodPost, "/v1/projects", token, map[string]any{
		"name": "Billing", "slug": "billing",
	})
	if status != http.StatusCreated {
		t.Fatalf("create project: %d %v", status, body)
	}
	projectID := body["project_id"].(string)

	// Registration seeded the default project.
	status, body = call(t, srv, http.MethodGet, "/v1/projects", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list projects: %d %v", status, body)
	}
	if projects := body["projects"].([]any); len(projects) != 2 {
		t.Fatalf("projects: %v", projects)
	}

	// Ingest events referencing the project by slug.
	now := time.Now().UTC().Format(time.RFC3339Nano)
	events := []map[string]any{
		{"event_id": "e1", "event_type": "task_started", "project_id": "billing", "timestamp": now},
	}
	status, body = call(t, srv, http.MethodPost, "/v1/ingest", apiKey, ingestBody("a1", events))
	if status != http.StatusOK {
		t.Fatalf("ingest: %d %v", status, body)
	}
	status, body = call(t, srv, http.MethodGet, "/v1/agents?project_id="+projectID, apiKey, nil)
	if status != http.StatusOK {
		t.Fatalf("agents by project: %d %v", status, body)
	}
	if agents := body["agents"].([]any); len(agents) != 1 {
		t.Fatalf("agents by project: %v", agents)
	}

	status, _ = call(t, srv, http.MethodPost, "/v1/projects/"+projectID+"/archive", token, nil)
	if status != http.StatusOK && status != http.StatusNoContent {
		t.Fatalf("archive: %d", status)
	}

	// Ingest against the archived project is rejected per event.
	events = []map[string]any{
		{"event_id": "e2", "event_type": "task_started", "project_id": "billing", "timestamp": now},
	}
	status, body = call(t, srv, http.MethodPost, "/v1/ingest", apiKey, ingestBody("a1", events))
	if status != http.StatusMultiStatus {
		t.Fatalf("archived project ingest: %d %v", status, body)
	}
}

func TestAlertRuleCRUDAndFiring(t *testing.T) {
	_, srv := newTestServer(t)
	apiKey := register(t, srv, "Acme", "owner@acme.test")
	token := login(t, srv, "owner@acme.test", "hunter2hunter2")

	status, body := call(t, srv, http.MethodPost, "/v1/alerts/rules", token, map[string]any{
		"name":      "task failures",
		"condition": map[string]any{"kind": "task_failed"},
		"actions":   []map[string]any{{"type": "email", "email": "ops@acme.test"}},
	})
	if status != http.StatusCreated {
		t.Fatalf("create rule: %d %v", status, body)
	}

	status, body = call(t, srv, http.MethodGet, "/v1/alerts/rules", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list rules: %d %v", status, body)
	}
	if rules := body["rules"].([]any); len(rules) != 1 {
		t.Fatalf("rules: %v", rules)
	}

	// A failed task in an ingest batch fires the rule.
	now := time.Now().UTC().Format(time.RFC3339Nano)
	events := []map[string]any{
		{"event_id": "e1", "event_type": "task_failed", "task_id": "task-1", "timestamp": now},
	}
	status, body = call(t, srv, http.MethodPost, "/v1/ingest", apiKey, ingestBody("a1", events))
	if status != http.StatusOK {
		t.Fatalf("ingest: %d %v", status, body)
	}

	status, body = call(t, srv, http.MethodGet, "/v1/alerts/history", token, nil)
	if status != http.StatusOK {
		t.Fatalf("history: %d %v", status, body)
	}
	alerts := body["alerts"].([]any)
	if len(alerts) != 1 {
		t.Fatalf("alerts: %v", alerts)
	}
	fired := alerts[0].(map[string]any)
	if fired["rule_name"] != "task failures" || fired["related_task_id"] != "task-1" {
		t.Fatalf("alert: %v", fired)
	}
	deliveries := fired["deliveries"].([]any)
	if deliveries[0].(map[string]any)["status"] != "queued" {
		t.Fatalf("delivery: %v", deliveries)
	}
}

func TestAdminRetentionRun(t *testing.T) {
	_, srv := newTestServer(t)
	register(t, srv, "Acme", "owner@acme.test")
	token := login(t, srv, "owner@acme.test", "hunter2hunter2")

	status, body := call(t, srv, http.MethodPost, "/v1/admin/retention/run", token, nil)
	if status != http.StatusOK {
		t.Fatalf("retention run: %d %v", status, body)
	}
	if body["ran_at"] == nil {
		t.Fatalf("result: %v", body)
	}
}

func TestRateLimitHeaders(t *testing.T) {
	_, srv := newTestServer(t)
	apiKey := register(t, srv, "Acme", "owner@acme.test")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-RateLimit-Limit") == "" || resp.Header.Get("X-RateLimit-Remaining") == "" {
		t.Fatal("rate headers missing")
	}
}

func TestTenantIsolation(t *testing.T) {
	_, srv := newTestServer(t)
	keyA := register(t, srv, "Acme", "owner@acme.test")
	keyB := register(t, srv, "Globex", "owner@globex.test")

	now := time.Now().UTC().Format(time.RFC3339Nano)
	events := []map[string]any{
		{"event_id": "e1", "event_type": "task_started", "task_id": "task-1", "timestamp": now},
	}
	status, body := call(t, srv, http.MethodPost, "/v1/ingest", keyA, ingestBody("a1", events))
	if status != http.StatusOK {
		t.Fatalf("ingest: %d %v", status, body)
	}

	status, body = call(t, srv, http.MethodGet, "/v1/agents", keyB, nil)
	if status != http.StatusOK {
		t.Fatalf("agents: %d %v", status, body)
	}
	if agents, ok := body["agents"].([]any); ok && len(agents) != 0 {
		t.Fatalf("tenant B sees tenant A's agents: %v", agents)
	}
	status, _ = call(t, srv, http.MethodGet, "/v1/events/e1", keyB, nil)
	if status != http.StatusNotFound {
		t.Fatalf("cross-tenant event read: %d", status)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{
		ListenAddr:            ":0",
		DataDir:               dir,
		JWTSecret:             "test-secret",
		WebhookTimeoutSeconds: 1,
		LogLevel:              "info",
	}
	s1, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv1 := httptest.NewServer(s1.Handler())
	apiKey := register(t, srv1, "Acme", "owner@acme.test")

	now := time.Now().UTC().Format(time.RFC3339Nano)
	events := []map[string]any{
		{"event_id": "e1", "event_type": "task_started", "task_id": "task-1", "timestamp": now},
	}
	status, body := call(t, srv1, http.MethodPost, "/v1/ingest", apiKey, ingestBody("a1", events))
	if status != http.StatusOK {
		t.Fatalf("ingest: %d %v", status, body)
	}
	srv1.Close()
	s1.Close()

	s2, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	srv2 := httptest.NewServer(s2.Handler())
	defer srv2.Close()

	status, body = call(t, srv2, http.MethodGet, "/v1/events/e1", apiKey, nil)
	if status != http.StatusOK {
		t.Fatalf("event after restart: %d %v", status, body)
	}
	if body["event_id"] != "e1" {
		t.Fatalf("event: %v", body)
	}
}

func TestConcurrentIngest(t *testing.T) {
	_, srv := newTestServer(t)
	apiKey := register(t, srv, "Acme", "owner@acme.test")

	now := time.Now().UTC().Format(time.RFC3339Nano)
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func(n int) {
			events := []map[string]any{
				{"event_id": fmt.Sprintf("w%d-e1", n), "event_type": "task_started", "timestamp": now},
				{"event_id": fmt.Sprintf("w%d-e2", n), "event_type": "heartbeat", "timestamp": now},
			}
			data, _ := json.Marshal(ingestBody(fmt.Sprintf("agent-%d", n), events))
			req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/ingest", bytes.NewReader(data))
			req.Header.Set("Authorization", "Bearer "+apiKey)
			req.Header.Set("Content-Type", "application/json")
			resp, err := srv.Client().Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					err = fmt.Errorf("status %d", resp.StatusCode)
				}
			}
			done <- err
		}(i)
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Fatalf("worker: %v", err)
		}
	}

	status, body := call(t, srv, http.MethodGet, "/v1/agents", apiKey, nil)
	if status != http.StatusOK {
		t.Fatalf("agents: %d %v", status, body)
	}
	if agents := body["agents"].([]any); len(agents) != 4 {
		t.Fatalf("agents: %d", len(agents))
	}
}
