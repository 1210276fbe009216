// Package auth implements the two authentication surfaces this system
// actually has: a shared-secret API key per agent
// (X-API-Key / X-Agent-ID headers on the wire protocol) and a single
// bearer token for the operator API (agent approval, manual unblock).
// There is no per-user session, RBAC, or browser login here — that
// surface belongs to the out-of-scope dashboard.
package auth

import "time"

// AgentAuth is what the ingestor resolves an authenticated wire-protocol
// request down to.
type AgentAuth struct {
	AgentID    string
	IsApproved bool
	IsActive   bool
}

// OpsAuth is what the operator API resolves an authenticated request
// down to. A single bearer token grants full operator access; there is
// no multi-user RBAC.
type OpsAuth struct {
	AuthenticatedAt time.Time
}
