package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hiveboard/hiveboard/internal/auth"
	"github.com/hiveboard/hiveboard/internal/httpx"
	"github.com/hiveboard/hiveboard/internal/storage"
)

type createKeyRequest struct {
	Name    string `json:"name,omitempty"`
	KeyType string `json:"key_type,omitempty"`
}

// handleCreateAPIKey issues a key. The plaintext appears in this response
// and is never retrievable again.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireUserRole(w, r, storage.RoleMember)
	if !ok {
		return
	}
	var req createKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	keyType := req.KeyType
	if keyType == "" {
		keyType = storage.KeyTypeLive
	}
	switch keyType {
	case storage.KeyTypeLive, storage.KeyTypeTest, storage.KeyTypeRead:
	default:
		httpx.Error(w, http.StatusBadRequest, "invalid_request", "key_type must be live, test or read")
		return
	}

	plaintext, hash, prefix, err := auth.GenerateKey(keyType)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	key := storage.APIKey{
		KeyID:     uuid.NewString(),
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		Name:      req.Name,
		KeyHash:   hash,
		KeyPrefix: prefix,
		KeyType:   keyType,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.backend.CreateAPIKey(r.Context(), key); err != nil {
		writeStorageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"key": key, "api_key": plaintext})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireUserRole(w, r, storage.RoleMember)
	if !ok {
		return
	}
	keys, err := s.backend.ListAPIKeys(r.Context(), id.TenantID)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	// Members see their own keys; admins and owners see all.
	if !auth.AtLeast(id.Role, storage.RoleAdmin) {
		own := keys[:0]
		for _, k := range keys {
			if k.UserID == id.UserID {
				own = append(own, k)
			}
		}
		keys = own
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireUserRole(w, r, storage.RoleMember)
	if !ok {
		return
	}
	keyID := r.PathValue("id")
	if !auth.AtLeast(id.Role, storage.RoleAdmin) {
		keys, err := s.backend.ListAPIKeys(r.Context(), id.TenantID)
		if err != nil {
			writeStorageError(w, err)
			return
		}
		owned := false
		for _, k := range keys {
			if k.KeyID == keyID && k.UserID == id.UserID {
				owned = true
				break
			}
		}
		if !owned {
			httpx.Error(w, http.StatusForbidden, "insufficient_permissions", "members may only revoke their own keys")
			return
		}
	}
	if err := s.backend.RevokeAPIKey(r.Context(), id.TenantID, keyID); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
