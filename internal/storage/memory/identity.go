package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hiveboard/hiveboard/internal/storage"
)

func (s *Store) CreateTenant(_ context.Context, t storage.Tenant) error {
	s.tenantsMu.Lock()
	defer s.tenantsMu.Unlock()

	if _, ok := s.tenants[t.TenantID]; ok {
		return fmt.Errorf("tenant %s: %w", t.TenantID, storage.ErrConflict)
	}
	for _, existing := range s.tenants {
		if existing.Slug == t.Slug {
			return fmt.Errorf("slug %s: %w", t.Slug, storage.ErrConflict)
		}
	}
	s.tenants[t.TenantID] = t
	return s.persist(fileTenants, s.tenants)
}

func (s *Store) GetTenant(_ context.Context, tenantID string) (storage.Tenant, error) {
	s.tenantsMu.RLock()
	defer s.tenantsMu.RUnlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return storage.Tenant{}, fmt.Errorf("tenant %s: %w", tenantID, storage.ErrNotFound)
	}
	return t, nil
}

func (s *Store) GetTenantBySlug(_ context.Context, slug string) (storage.Tenant, error) {
	s.tenantsMu.RLock()
	defer s.tenantsMu.RUnlock()

	for _, t := range s.tenants {
		if t.Slug == slug {
			return t, nil
		}
	}
	return storage.Tenant{}, fmt.Errorf("tenant slug %s: %w", slug, storage.ErrNotFound)
}

func (s *Store) ListTenants(_ context.Context) ([]storage.Tenant, error) {
	s.tenantsMu.RLock()
	defer s.tenantsMu.RUnlock()

	out := make([]storage.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, u storage.User) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	email := strings.ToLower(u.Email)
	for _, existing := range s.users {
		if strings.ToLower(existing.Email) == email {
			return fmt.Errorf("email %s: %w", u.Email, storage.ErrConflict)
		}
	}
	s.users[u.UserID] = u
	return s.persist(fileUsers, s.users)
}

func (s *Store) GetUser(_ context.Context, tenantID, userID string) (storage.User, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()

	u, ok := s.users[userID]
	if !ok || u.TenantID != tenantID {
		return storage.User{}, fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (storage.User, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()

	email = strings.ToLower(email)
	for _, u := range s.users {
		if strings.ToLower(u.Email) == email {
			return u, nil
		}
	}
	return storage.User{}, fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
}

func (s *Store) ListUsers(_ context.Context, tenantID string) ([]storage.User, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()

	var out []storage.User
	for _, u := range s.users {
		if u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateInvite(_ context.Context, inv storage.Invite) error {
	s.invitesMu.Lock()
	defer s.invitesMu.Unlock()

	email := strings.ToLower(inv.Email)
	for _, existing := range s.invites {
		if strings.ToLower(existing.Email) == email {
			return fmt.Errorf("invite for %s: %w", inv.Email, storage.ErrConflict)
		}
	}
	s.invites[inv.InviteID] = inv
	return s.persist(fileInvites, s.invites)
}

func (s *Store) GetInviteByToken(_ context.Context, token string) (storage.Invite, error) {
	s.invitesMu.RLock()
	defer s.invitesMu.RUnlock()

	for _, inv := range s.invites {
		if inv.Token == token {
			return inv, nil
		}
	}
	return storage.Invite{}, fmt.Errorf("invite: %w", storage.ErrNotFound)
}

func (s *Store) ListInvites(_ context.Context, tenantID string) ([]storage.Invite, error) {
	s.invitesMu.RLock()
	defer s.invitesMu.RUnlock()

	var out []storage.Invite
	for _, inv := range s.invites {
		if inv.TenantID == tenantID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteInvite(_ context.Context, tenantID, inviteID string) error {
	s.invitesMu.Lock()
	defer s.invitesMu.Unlock()

	inv, ok := s.invites[inviteID]
	if !ok || inv.TenantID != tenantID {
		return fmt.Errorf("invite %s: %w", inviteID, storage.ErrNotFound)
	}
	delete(s.invites, inviteID)
	return s.persist(fileInvites, s.invites)
}

func (s *Store) FindInviteByEmail(_ context.Context, email string) (storage.Invite, bool, error) {
	s.invitesMu.RLock()
	defer s.invitesMu.RUnlock()

	email = strings.ToLower(email)
	for _, inv := range s.invites {
		if strings.ToLower(inv.Email) == email {
			return inv, true, nil
		}
	}
	return storage.Invite{}, false, nil
}

func (s *Store) CreateAPIKey(_ context.Context, k storage.APIKey) error {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	if _, ok := s.keys[k.KeyID]; ok {
		return fmt.Errorf("key %s: %w", k.KeyID, storage.ErrConflict)
	}
	s.keys[k.KeyID] = k
	return s.persist(fileAPIKeys, s.keys)
}

func (s *Store) AuthenticateKey(_ context.Context, keyHash string) (storage.APIKey, error) {
	s.keysMu.RLock()
	defer s.keysMu.RUnlock()

	for _, k := range s.keys {
		if k.KeyHash == keyHash && k.Active {
			return k, nil
		}
	}
	return storage.APIKey{}, fmt.Errorf("api key: %w", storage.ErrUnauthorized)
}

func (s *Store) TouchAPIKey(_ context.Context, keyID string, at time.Time) error {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return fmt.Errorf("key %s: %w", keyID, storage.ErrNotFound)
	}
	k.LastUsedAt = &at
	s.keys[keyID] = k
	return s.persist(fileAPIKeys, s.keys)
}

func (s *Store) ListAPIKeys(_ context.Context, tenantID string) ([]storage.APIKey, error) {
	s.keysMu.RLock()
	defer s.keysMu.RUnlock()

	var out []storage.APIKey
	for _, k := range s.keys {
		if k.TenantID == tenantID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, tenantID, keyID string) error {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	k, ok := s.keys[keyID]
	if !ok || k.TenantID != tenantID {
		return fmt.Errorf("key %s: %w", keyID, storage.ErrNotFound)
	}
	k.Active = false
	s.keys[keyID] = k
	return s.persist(fileAPIKeys, s.keys)
}
