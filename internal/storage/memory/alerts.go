package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/hiveboard/hiveboard/internal/storage"
)

func (s *Store) CreateAlertRule(_ context.Context, r storage.AlertRule) error {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	if _, ok := s.rules[r.RuleID]; ok {
		return fmt.Errorf("rule %s: %w", r.RuleID, storage.ErrConflict)
	}
	s.rules[r.RuleID] = r
	return s.persist(fileAlertRules, s.rules)
}

func (s *Store) GetAlertRule(_ context.Context, tenantID, ruleID string) (storage.AlertRule, error) {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()

	r, ok := s.rules[ruleID]
	if !ok || r.TenantID != tenantID {
		return storage.AlertRule{}, fmt.Errorf("rule %s: %w", ruleID, storage.ErrNotFound)
	}
	return r, nil
}

func (s *Store) ListAlertRules(_ context.Context, tenantID string) ([]storage.AlertRule, error) {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()

	var out []storage.AlertRule
	for _, r := range s.rules {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateAlertRule(_ context.Context, r storage.AlertRule) error {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	existing, ok := s.rules[r.RuleID]
	if !ok || existing.TenantID != r.TenantID {
		return fmt.Errorf("rule %s: %w", r.RuleID, storage.ErrNotFound)
	}
	r.CreatedAt = existing.CreatedAt
	s.rules[r.RuleID] = r
	return s.persist(fileAlertRules, s.rules)
}

func (s *Store) DeleteAlertRule(_ context.Context, tenantID, ruleID string) error {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	r, ok := s.rules[ruleID]
	if !ok || r.TenantID != tenantID {
		return fmt.Errorf("rule %s: %w", ruleID, storage.ErrNotFound)
	}
	delete(s.rules, ruleID)
	return s.persist(fileAlertRules, s.rules)
}

func (s *Store) InsertAlert(_ context.Context, a storage.Alert) error {
	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()

	s.alerts[a.TenantID] = append(s.alerts[a.TenantID], a)
	return s.persist(fileAlerts, s.alerts)
}

// ListAlertHistory returns the most recent alerts first.
func (s *Store) ListAlertHistory(_ context.Context, tenantID string, limit int) ([]storage.Alert, error) {
	s.alertsMu.RLock()
	defer s.alertsMu.RUnlock()

	src := s.alerts[tenantID]
	out := make([]storage.Alert, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LastAlertForRule returns the most recent firing of a rule, used for
// cooldown checks.
func (s *Store) LastAlertForRule(_ context.Context, tenantID, ruleID string) (storage.Alert, bool, error) {
	s.alertsMu.RLock()
	defer s.alertsMu.RUnlock()

	var last storage.Alert
	found := false
	for _, a := range s.alerts[tenantID] {
		if a.RuleID != ruleID {
			continue
		}
		if !found || a.FiredAt.After(last.FiredAt) {
			last = a
			found = true
		}
	}
	return last, found, nil
}
