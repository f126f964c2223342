package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hiveboard/hiveboard/internal/httpx"
	"github.com/hiveboard/hiveboard/internal/storage"
)

// Rate budgets, per key, per second.
const (
	IngestRatePerSecond = 100
	QueryRatePerSecond  = 30
)

// Middleware authenticates requests on two paths: API keys via
// "Authorization: Bearer hb_..." and dashboard JWTs via any other bearer
// token. It also applies the per-key rate budget.
type Middleware struct {
	backend storage.Backend
	tokens  *TokenIssuer
	logger  *zap.Logger

	ingestLimiter *RateLimiter
	queryLimiter  *RateLimiter
}

func NewMiddleware(backend storage.Backend, tokens *TokenIssuer, logger *zap.Logger) *Middleware {
	return &Middleware{
		backend:       backend,
		tokens:        tokens,
		logger:        logger.Named("auth"),
		ingestLimiter: NewRateLimiter(IngestRatePerSecond, time.Second),
		queryLimiter:  NewRateLimiter(QueryRatePerSecond, time.Second),
	}
}

// PruneLoop drops idle rate windows until ctx is done.
func (m *Middleware) PruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ingestLimiter.Prune()
			m.queryLimiter.Prune()
		}
	}
}

// Wrap authenticates the request and attaches the identity to its context.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.authenticate(r)
		if err != nil {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		if id.IsAPIKey() {
			if !m.applyRateLimit(w, r, id) {
				return
			}
			if id.KeyType == storage.KeyTypeRead && mutating(r.Method) {
				httpx.Error(w, http.StatusForbidden, "forbidden", "read-only key cannot mutate")
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func (m *Middleware) authenticate(r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("authentication required")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("invalid authorization format")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("empty bearer token")
	}

	if LooksLikeAPIKey(token) {
		return m.authenticateKey(r.Context(), token)
	}
	return m.authenticateJWT(token)
}

func (m *Middleware) authenticateKey(ctx context.Context, token string) (*Identity, error) {
	key, err := m.backend.AuthenticateKey(ctx, HashKey(token))
	if err != nil {
		return nil, fmt.Errorf("invalid api key")
	}

	// last_used is advisory; never block the request on it.
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.backend.TouchAPIKey(touchCtx, key.KeyID, time.Now().UTC()); err != nil {
			m.logger.Warn("touch api key", zap.String("key_id", key.KeyID), zap.Error(err))
		}
	}()

	return &Identity{
		TenantID: key.TenantID,
		KeyID:    key.KeyID,
		KeyType:  key.KeyType,
	}, nil
}

func (m *Middleware) authenticateJWT(token string) (*Identity, error) {
	claims, err := m.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("invalid token")
	}
	return &Identity{
		TenantID: claims.TenantID,
		UserID:   claims.Subject,
		Role:     claims.Role,
	}, nil
}

// applyRateLimit consumes from the budget matching the route class and
// writes the standard X-RateLimit headers. Ingest gets the larger budget.
func (m *Middleware) applyRateLimit(w http.ResponseWriter, r *http.Request, id *Identity) bool {
	limiter := m.queryLimiter
	if r.Method == http.MethodPost && r.URL.Path == "/v1/ingest" {
		limiter = m.ingestLimiter
	}

	d := limiter.Allow(id.KeyID)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	resetSecs := int(d.ResetAfter.Seconds()) + 1
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetSecs))
	if !d.Allowed {
		httpx.ErrorDetails(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded",
			map[string]any{"retry_after_seconds": resetSecs})
		return false
	}
	return true
}
