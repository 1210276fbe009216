package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

type contextKey int

const (
	agentAuthKey contextKey = iota
	opsAuthKey
)

// AgentKeyLookup resolves the agent owning an API key, by the SHA-256
// hex digest of the key (the store never holds a plaintext key). It is
// satisfied by *store.Store in production and a fake in tests.
type AgentKeyLookup interface {
	AuthenticateAPIKey(apiKeyHash string) (agentID string, isApproved, isActive bool, found bool)
}

// HashAPIKey returns the SHA-256 hex digest of a plaintext API key, the
// form stored and compared against.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// RequireAgentKey authenticates the agent-facing wire protocol: every
// non-registration call carries X-API-Key and X-Agent-ID. Requests from
// an unapproved or inactive agent are rejected with 403 — the calling
// API key must belong to an approved, active agent.
func RequireAgentKey(lookup AgentKeyLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing X-API-Key")
				return
			}
			agentID, isApproved, isActive, found := lookup.AuthenticateAPIKey(HashAPIKey(key))
			if !found {
				writeAuthError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			if headerID := r.Header.Get("X-Agent-ID"); headerID != "" && headerID != agentID {
				writeAuthError(w, http.StatusUnauthorized, "agent id mismatch")
				return
			}
			if !isApproved || !isActive {
				writeAuthError(w, http.StatusForbidden, "agent not approved")
				return
			}
			ctx := context.WithValue(r.Context(), agentAuthKey, &AgentAuth{
				AgentID: agentID, IsApproved: isApproved, IsActive: isActive,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AgentFromContext returns the AgentAuth attached by RequireAgentKey, or
// nil if the request was not authenticated that way.
func AgentFromContext(ctx context.Context) *AgentAuth {
	a, _ := ctx.Value(agentAuthKey).(*AgentAuth)
	return a
}

// RequireOpsToken authenticates the operator API with a single
// constant-time-compared bearer token, scoped to agent approval and
// manual unblock. An empty configured hash disables the operator API
// entirely (every request is rejected) so a deployment never ends up
// open by omission.
func RequireOpsToken(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				writeAuthError(w, http.StatusServiceUnavailable, "operator api not configured")
				return
			}
			bearer := ExtractBearerToken(r.Header.Get("Authorization"))
			if bearer == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			got := HashToken(bearer)
			if subtle.ConstantTimeCompare([]byte(got), []byte(tokenHash)) != 1 {
				writeAuthError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			ctx := context.WithValue(r.Context(), opsAuthKey, &OpsAuth{})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OpsFromContext returns the OpsAuth attached by RequireOpsToken, or nil.
func OpsFromContext(ctx context.Context) *OpsAuth {
	a, _ := ctx.Value(opsAuthKey).(*OpsAuth)
	return a
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"success":false,"error":"` + msg + `"}`))
}
