package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/hiveboard/hiveboard/internal/auth"
	"github.com/hiveboard/hiveboard/internal/httpx"
	"github.com/hiveboard/hiveboard/internal/storage"
)

const inviteTTL = 7 * 24 * time.Hour

// normalizeSlug lowercases and hyphenates a display name.
func normalizeSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Join(strings.Fields(slug), "-")
	return slug
}

func newInviteToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

type registerRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	Name       string `json:"name"`
	TenantName string `json:"tenant_name"`
}

type tenantView struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
}

// handleRegister creates tenant, owner user, default project and the default
// live key in one flow. The plaintext key appears in this response only.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" || req.TenantName == "" {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "email, password and tenant_name are required")
		return
	}

	ctx := r.Context()
	if _, err := s.backend.GetUserByEmail(ctx, req.Email); err == nil {
		httpx.Error(w, http.StatusConflict, "email_exists", "email already registered")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		writeStorageError(w, err)
		return
	}
	if _, found, err := s.backend.FindInviteByEmail(ctx, req.Email); err != nil {
		writeStorageError(w, err)
		return
	} else if found {
		httpx.Error(w, http.StatusConflict, "pending_invite", "email has a pending invite; accept it instead")
		return
	}

	slug := normalizeSlug(req.TenantName)
	if slug == "" {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "tenant_name produces an empty slug")
		return
	}
	if _, err := s.backend.GetTenantBySlug(ctx, slug); err == nil {
		httpx.Error(w, http.StatusConflict, "slug_exists", "tenant slug already taken")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		writeStorageError(w, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeStorageError(w, err)
		return
	}

	now := time.Now().UTC()
	tenant := storage.Tenant{
		TenantID:  uuid.NewString(),
		Name:      req.TenantName,
		Slug:      slug,
		Plan:      storage.PlanFree,
		CreatedAt: now,
	}
	if err := s.backend.CreateTenant(ctx, tenant); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			httpx.Error(w, http.StatusConflict, "slug_exists", "tenant slug already taken")
			return
		}
		writeStorageError(w, err)
		return
	}

	user := storage.User{
		UserID:       uuid.NewString(),
		TenantID:     tenant.TenantID,
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: string(hash),
		Role:         storage.RoleOwner,
		CreatedAt:    now,
	}
	if err := s.backend.CreateUser(ctx, user); err != nil {
		writeStorageError(w, err)
		return
	}

	project := storage.Project{
		ProjectID: uuid.NewString(),
		TenantID:  tenant.TenantID,
		Name:      "Default",
		Slug:      storage.DefaultProjectSlug,
		CreatedAt: now,
	}
	if err := s.backend.CreateProject(ctx, project); err != nil {
		writeStorageError(w, err)
		return
	}

	plaintext, keyHash, prefix, err := auth.GenerateKey(storage.KeyTypeLive)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	key := storage.APIKey{
		KeyID:     uuid.NewString(),
		TenantID:  tenant.TenantID,
		UserID:    user.UserID,
		Name:      "default",
		KeyHash:   keyHash,
		KeyPrefix: prefix,
		KeyType:   storage.KeyTypeLive,
		Active:    true,
		CreatedAt: now,
	}
	if err := s.backend.CreateAPIKey(ctx, key); err != nil {
		writeStorageError(w, err)
		return
	}

	s.logger.Info("tenant registered",
		zap.String("tenant_id", tenant.TenantID),
		zap.String("slug", tenant.Slug))

	httpx.JSON(w, http.StatusCreated, map[string]any{
		"user":    user,
		"tenant":  tenantView{TenantID: tenant.TenantID, Name: tenant.Name, Slug: tenant.Slug},
		"api_key": plaintext,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	user, err := s.backend.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		httpx.Error(w, http.StatusUnauthorized, "authentication_failed", "invalid credentials")
		return
	}
	if tid := r.URL.Query().Get("tenant_id"); tid != "" && tid != user.TenantID {
		httpx.Error(w, http.StatusUnauthorized, "authentication_failed", "invalid credentials")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		httpx.Error(w, http.StatusUnauthorized, "authentication_failed", "invalid credentials")
		return
	}

	token, err := s.tokens.Issue(user.UserID, user.TenantID, user.Role, time.Now().UTC())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

func (s *Server) handleCheckSlug(w http.ResponseWriter, r *http.Request) {
	slug := normalizeSlug(r.URL.Query().Get("slug"))
	if slug == "" {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "slug is required")
		return
	}
	_, err := s.backend.GetTenantBySlug(r.Context(), slug)
	available := errors.Is(err, storage.ErrNotFound)
	if err != nil && !available {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"slug": slug, "available": available})
}

type inviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
	Name  string `json:"name,omitempty"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireUserRole(w, r, storage.RoleAdmin)
	if !ok {
		return
	}
	var req inviteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "email is required")
		return
	}
	role := req.Role
	if role == "" {
		role = storage.RoleMember
	}
	if !auth.ValidRole(role) {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "unknown role")
		return
	}
	// Owners are never invited, and admins cannot mint peers.
	if role == storage.RoleOwner || (id.Role == storage.RoleAdmin && role == storage.RoleAdmin) {
		httpx.Error(w, http.StatusForbidden, "role_escalation", "cannot invite at or above your own role")
		return
	}

	ctx := r.Context()
	if _, err := s.backend.GetUserByEmail(ctx, req.Email); err == nil {
		httpx.Error(w, http.StatusConflict, "email_exists", "email already registered")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		writeStorageError(w, err)
		return
	}
	if _, found, err := s.backend.FindInviteByEmail(ctx, req.Email); err != nil {
		writeStorageError(w, err)
		return
	} else if found {
		httpx.Error(w, http.StatusBadRequest, "invite_exists", "email already has a pending invite")
		return
	}

	token, err := newInviteToken()
	if err != nil {
		writeStorageError(w, err)
		return
	}
	now := time.Now().UTC()
	inv := storage.Invite{
		InviteID:  uuid.NewString(),
		TenantID:  id.TenantID,
		Email:     req.Email,
		Name:      req.Name,
		Role:      role,
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(inviteTTL),
	}
	if err := s.backend.CreateInvite(ctx, inv); err != nil {
		writeStorageError(w, err)
		return
	}

	httpx.JSON(w, http.StatusCreated, map[string]any{
		"invite_id":    inv.InviteID,
		"email":        inv.Email,
		"role":         inv.Role,
		"invite_token": token,
		"expires_at":   inv.ExpiresAt,
	})
}

type acceptInviteRequest struct {
	InviteToken string `json:"invite_token"`
	Name        string `json:"name"`
	Password    string `json:"password"`
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	var req acceptInviteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.InviteToken == "" || req.Password == "" {
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "invite_token and password are required")
		return
	}

	ctx := r.Context()
	inv, err := s.backend.GetInviteByToken(ctx, req.InviteToken)
	if err != nil {
		httpx.Error(w, http.StatusNotFound, "not_found", "invite not found")
		return
	}
	if time.Now().UTC().After(inv.ExpiresAt) {
		httpx.Error(w, http.StatusNotFound, "not_found", "invite expired")
		return
	}
	if _, err := s.backend.GetUserByEmail(ctx, inv.Email); err == nil {
		httpx.Error(w, http.StatusConflict, "email_exists", "email already registered")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		writeStorageError(w, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	name := req.Name
	if name == "" {
		name = inv.Name
	}
	now := time.Now().UTC()
	user := storage.User{
		UserID:       uuid.NewString(),
		TenantID:     inv.TenantID,
		Email:        inv.Email,
		Name:         name,
		PasswordHash: string(hash),
		Role:         inv.Role,
		CreatedAt:    now,
	}
	if err := s.backend.CreateUser(ctx, user); err != nil {
		writeStorageError(w, err)
		return
	}
	if err := s.backend.DeleteInvite(ctx, inv.TenantID, inv.InviteID); err != nil {
		s.logger.Warn("delete accepted invite", zap.String("invite_id", inv.InviteID), zap.Error(err))
	}

	token, err := s.tokens.Issue(user.UserID, user.TenantID, user.Role, now)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"token": token, "user": user})
}

func (s *Server) handleListInvites(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireUserRole(w, r, storage.RoleAdmin)
	if !ok {
		return
	}
	invites, err := s.backend.ListInvites(r.Context(), id.TenantID)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invites": invites})
}

func (s *Server) handleDeleteInvite(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireUserRole(w, r, storage.RoleAdmin)
	if !ok {
		return
	}
	if err := s.backend.DeleteInvite(r.Context(), id.TenantID, r.PathValue("id")); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
