// Package memory is the reference storage backend: in-memory tables guarded
// by per-table locks, with write-through persistence as one JSON file per
// logical table, atomically replaced on write.
//
// Lock ordering is fixed across the package to keep multi-table operations
// deadlock-free: projects, agents, junction, events, agent buckets, model
// buckets. Identity tables (tenants, users, invites, keys) and alert tables
// are never held together with the data-plane tables.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/hiveboard/hiveboard/internal/event"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// Table file names under the data directory.
const (
	fileTenants      = "tenants.json"
	fileUsers        = "users.json"
	fileInvites      = "invites.json"
	fileAPIKeys      = "api_keys.json"
	fileProjects     = "projects.json"
	fileAgents       = "agents.json"
	fileJunction     = "project_agents.json"
	fileEvents       = "events.json"
	fileAgentBuckets = "agent_buckets.json"
	fileModelBuckets = "model_buckets.json"
	fileAlertRules   = "alert_rules.json"
	fileAlerts       = "alerts.json"
)

// Store implements storage.Backend with mutex-guarded maps. An empty data
// directory disables persistence (used by tests).
type Store struct {
	dir    string
	logger *zap.Logger

	tenantsMu sync.RWMutex
	tenants   map[string]storage.Tenant

	usersMu sync.RWMutex
	users   map[string]storage.User

	invitesMu sync.RWMutex
	invites   map[string]storage.Invite

	keysMu sync.RWMutex
	keys   map[string]storage.APIKey

	projectsMu sync.RWMutex
	projects   map[string]storage.Project

	agentsMu sync.RWMutex
	agents   map[string]storage.Agent // key: tenant + "/" + agent

	junctionMu sync.RWMutex
	junction   map[string]struct{} // key: tenant + "/" + project + "/" + agent

	eventsMu sync.RWMutex
	events   map[string][]event.Event        // tenant -> insertion order
	eventIDs map[string]map[string]struct{}  // tenant -> event_id set

	agentBucketsMu sync.RWMutex
	agentBuckets   map[string]*storage.AgentBucket // key: tenant|agent|hourUnix

	modelBucketsMu sync.RWMutex
	modelBuckets   map[string]*storage.ModelBucket // key: tenant|model|hourUnix

	rulesMu sync.RWMutex
	rules   map[string]storage.AlertRule

	alertsMu sync.RWMutex
	alerts   map[string][]storage.Alert // tenant -> chronological
}

// New opens the store, loading any existing table files from dir. An empty
// dir keeps everything in memory only.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		dir:          dir,
		logger:       logger,
		tenants:      map[string]storage.Tenant{},
		users:        map[string]storage.User{},
		invites:      map[string]storage.Invite{},
		keys:         map[string]storage.APIKey{},
		projects:     map[string]storage.Project{},
		agents:       map[string]storage.Agent{},
		junction:     map[string]struct{}{},
		events:       map[string][]event.Event{},
		eventIDs:     map[string]map[string]struct{}{},
		agentBuckets: map[string]*storage.AgentBucket{},
		modelBuckets: map[string]*storage.ModelBucket{},
		rules:        map[string]storage.AlertRule{},
		alerts:       map[string][]storage.Alert{},
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close is a no-op for the reference backend; every mutation already
// persisted synchronously.
func (s *Store) Close() error { return nil }

func (s *Store) load() error {
	loaders := []struct {
		file string
		into any
	}{
		{fileTenants, &s.tenants},
		{fileUsers, &s.users},
		{fileInvites, &s.invites},
		{fileAPIKeys, &s.keys},
		{fileProjects, &s.projects},
		{fileAgents, &s.agents},
		{fileEvents, &s.events},
		{fileAgentBuckets, &s.agentBuckets},
		{fileModelBuckets, &s.modelBuckets},
		{fileAlertRules, &s.rules},
		{fileAlerts, &s.alerts},
	}
	for _, l := range loaders {
		if err := s.loadFile(l.file, l.into); err != nil {
			return err
		}
	}

	var junctionRows []string
	if err := s.loadFile(fileJunction, &junctionRows); err != nil {
		return err
	}
	for _, row := range junctionRows {
		s.junction[row] = struct{}{}
	}

	for tenant, evs := range s.events {
		ids := make(map[string]struct{}, len(evs))
		for _, ev := range evs {
			ids[ev.EventID] = struct{}{}
		}
		s.eventIDs[tenant] = ids
	}
	return nil
}

func (s *Store) loadFile(name string, into any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// persist writes one table snapshot. Callers hold that table's write lock,
// so the marshal sees a consistent view. The temp-file-plus-rename keeps
// the on-disk table intact if the write dies midway.
func (s *Store) persist(name string, v any) error {
	if s.dir == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

func (s *Store) persistJunction() error {
	rows := make([]string, 0, len(s.junction))
	for row := range s.junction {
		rows = append(rows, row)
	}
	return s.persist(fileJunction, rows)
}

func agentKey(tenantID, agentID string) string {
	return tenantID + "/" + agentID
}

func junctionKey(tenantID, projectID, agentID string) string {
	return tenantID + "/" + projectID + "/" + agentID
}

func bucketKey(tenantID, subject string, hourUnix int64) string {
	return fmt.Sprintf("%s|%s|%d", tenantID, subject, hourUnix)
}
