package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/approvalhub/internal/api/response"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// keyPrefixLen is the number of leading characters of a raw key stored in
// clear for lookup, e.g. "ah_alice" of "ah_alice_7f3c...".
const keyPrefixLen = 8

const lastUsedTimeout = 5 * time.Second

// Scopes granted to API keys.
const (
	ScopeApprove = "approve"
	ScopeAdmin   = "admin"
)

var (
	errMissingToken = errors.New("missing or invalid Authorization header")
	errMalformedKey = errors.New("invalid API key format")
	errUnknownKey   = errors.New("invalid API key")
)

// KeyStore looks up API keys.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// Auth resolves the approver behind each request's API key.
type Auth struct {
	store KeyStore
}

func NewAuth(s KeyStore) *Auth {
	return &Auth{store: s}
}

// Authenticate binds the caller's identity, key prefix and scopes to the
// request context. Requests without a matching key never reach next.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := a.resolve(r)
		switch {
		case err == nil:
		case errors.Is(err, errMissingToken), errors.Is(err, errMalformedKey), errors.Is(err, errUnknownKey):
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", capitalize(err.Error()), nil)
			return
		default:
			slog.ErrorContext(r.Context(), "api key lookup failed", "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		ctx := SetIdentity(r.Context(), key.Identity())
		ctx = setKeyPrefix(ctx, key.KeyPrefix)
		ctx = setScopes(ctx, key.Scopes)
		noteActor(ctx, key.ActorID)

		go a.touch(key.ID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolve finds the stored key whose hash matches the bearer token. Several
// keys may share a prefix, so each candidate is compared.
func (a *Auth) resolve(r *http.Request) (*models.APIKey, error) {
	raw := extractBearerToken(r)
	if raw == "" {
		return nil, errMissingToken
	}
	if len(raw) < keyPrefixLen {
		return nil, errMalformedKey
	}

	prefix := raw[:keyPrefixLen]
	candidates, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
	if err != nil {
		return nil, err
	}
	for _, key := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)) == nil {
			return key, nil
		}
	}
	return nil, errUnknownKey
}

func (a *Auth) touch(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), lastUsedTimeout)
	defer cancel()
	if err := a.store.UpdateAPIKeyLastUsed(ctx, id); err != nil {
		slog.Warn("record api key use", "key_id", id, "error", err)
	}
}

// RequireScope rejects authenticated callers whose key lacks scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !slices.Contains(getScopes(r), scope) {
				response.Error(w, http.StatusForbidden,
					"FORBIDDEN", "Insufficient permissions", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
