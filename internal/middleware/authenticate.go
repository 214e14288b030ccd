package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ollyhq/backend/internal/models"
	"github.com/ollyhq/backend/internal/repository"
)

type contextKey string

const ctxIdentityKey contextKey = "identity"

// Identity is the authenticated caller. APIKeyID is set when the request
// authenticated with an API key rather than a session token.
type Identity struct {
	UserID   uuid.UUID
	Role     string
	APIKeyID *uuid.UUID
}

// IsAdmin reports whether the caller may use the admin surface.
func (id *Identity) IsAdmin() bool {
	return id != nil && id.Role == models.RoleAdmin
}

// APIKeyRepo is the interface used by Authenticate to resolve API keys.
type APIKeyRepo interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*repository.APIKeyWithAccount, error)
}

// SessionValidator checks session JWTs. Satisfied by auth.Service.
type SessionValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// Authenticate accepts a Bearer session JWT or a Bearer API key. API keys are
// hashed (SHA-256) and looked up in api_keys.
func Authenticate(sessions SessionValidator, keys APIKeyRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			var id Identity
			if looksLikeJWT(raw) {
				userID, role, err := sessions.ValidateToken(r.Context(), raw)
				if err != nil {
					http.Error(w, `{"error":"invalid or expired session"}`, http.StatusUnauthorized)
					return
				}
				id = Identity{UserID: userID, Role: role}
			} else {
				result, err := keys.FindByKeyHash(r.Context(), HashKey(raw))
				if err != nil {
					http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
					return
				}
				keyID := result.APIKey.ID
				id = Identity{UserID: result.Account.ID, Role: result.Account.Role, APIKeyID: &keyID}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &id)))
		})
	}
}

// RequireAdmin must run after Authenticate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IdentityFromCtx(r.Context()).IsAdmin() {
			http.Error(w, `{"error":"admin only"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IdentityFromCtx returns the authenticated caller or nil.
func IdentityFromCtx(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxIdentityKey).(*Identity)
	return id
}

// UserIDFromCtx returns the caller's account id.
func UserIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	id := IdentityFromCtx(ctx)
	if id == nil || id.UserID == uuid.Nil {
		return uuid.Nil, false
	}
	return id.UserID, true
}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// looksLikeJWT reports whether raw has the three dot-separated segments of a JWS.
func looksLikeJWT(raw string) bool {
	return strings.Count(raw, ".") == 2
}

// HashKey is the stored form of a raw API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
