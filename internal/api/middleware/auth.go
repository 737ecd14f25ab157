package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lumoschat/lumos/internal/store"
)

type contextKey string

const PrincipalContextKey contextKey = "principal"

// Principal is the authenticated caller. Identity and team membership are
// established by the external identity provider at the edge; this service
// only verifies the service API key and trusts the forwarded membership
// claims.
type Principal struct {
	UserID uuid.UUID
	KeyID  string
	Teams  []uuid.UUID
}

// InTeam reports whether the principal carries a membership claim for
// the team.
func (p *Principal) InTeam(teamID uuid.UUID) bool {
	for _, id := range p.Teams {
		if id == teamID {
			return true
		}
	}
	return false
}

// AuthMiddleware verifies bearer API keys of the form "lk_<id>.<secret>".
// The secret is compared against a bcrypt hash at rest.
type AuthMiddleware struct {
	store store.DataStore
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(st store.DataStore) *AuthMiddleware {
	return &AuthMiddleware{store: st}
}

// RequireAuth rejects requests without a valid API key.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyID, secret, ok := parseBearerKey(r)
		if !ok {
			jsonError(w, http.StatusUnauthorized, "missing or malformed authorization")
			return
		}

		hash, userID, err := m.store.GetAPIKeyHash(r.Context(), keyID)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}
		if hash == "" {
			jsonError(w, http.StatusUnauthorized, "unknown or revoked API key")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		principal := &Principal{
			UserID: userID,
			KeyID:  keyID,
			Teams:  parseTeamClaims(r),
		}

		ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// parseBearerKey splits "Bearer lk_<id>.<secret>" into its parts.
func parseBearerKey(r *http.Request) (keyID, secret string, ok bool) {
	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found {
		// SSE via EventSource cannot set headers; allow a query token.
		token = r.URL.Query().Get("access_token")
	}
	if !strings.HasPrefix(token, "lk_") {
		return "", "", false
	}
	keyID, secret, found = strings.Cut(strings.TrimPrefix(token, "lk_"), ".")
	if !found || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

// parseTeamClaims reads the team membership claims forwarded by the
// identity-aware edge proxy.
func parseTeamClaims(r *http.Request) []uuid.UUID {
	raw := r.Header.Get("X-Lumos-Teams")
	if raw == "" {
		return nil
	}
	var teams []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		teams = append(teams, id)
	}
	return teams
}

// APIKeyID extracts the key id for rate-limit bucketing without
// verifying the key.
func APIKeyID(r *http.Request) string {
	keyID, _, ok := parseBearerKey(r)
	if !ok {
		return ""
	}
	return keyID
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetPrincipal retrieves the authenticated principal from the request context.
func GetPrincipal(ctx context.Context) *Principal {
	principal, ok := ctx.Value(PrincipalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return principal
}
