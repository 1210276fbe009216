package opsapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/sshguardian/core/internal/auth"
	"github.com/sshguardian/core/internal/logging"
	"github.com/sshguardian/core/internal/store"
)

const testToken = "operator-secret"

type recordingUnblocker struct {
	blockID string
	reason  string
	err     error
}

func (u *recordingUnblocker) Unblock(blockID, reason string) error {
	u.blockID = blockID
	u.reason = reason
	return u.err
}

func newTestAPI(t *testing.T, unblocker Unblocker) (http.Handler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "opsapi-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	api := New(st, unblocker, logging.New(false))
	r := chi.NewRouter()
	api.Routes(r, auth.HashToken(testToken))
	return r, st
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestListAgents_RequiresBearerToken(t *testing.T) {
	h, _ := newTestAPI(t, &recordingUnblocker{})
	req := httptest.NewRequest(http.MethodGet, "/api/admin/agents", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListAgents_ReturnsRegisteredAgents(t *testing.T) {
	h, st := newTestAPI(t, &recordingUnblocker{})
	require.NoError(t, st.PutAgent(&store.Agent{AgentID: "agent-1", Hostname: "host-1", Status: store.AgentStatusActive}))

	req := authed(httptest.NewRequest(http.MethodGet, "/api/admin/agents", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool        `json:"success"`
		Agents  []agentView `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Len(t, resp.Agents, 1)
	require.Equal(t, "agent-1", resp.Agents[0].AgentID)
}

func TestApproveAgent_SetsApprovedAndActive(t *testing.T) {
	h, st := newTestAPI(t, &recordingUnblocker{})
	require.NoError(t, st.PutAgent(&store.Agent{AgentID: "agent-1", Status: store.AgentStatusPending}))

	req := authed(httptest.NewRequest(http.MethodPost, "/api/admin/agents/agent-1/approve", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	a, err := st.GetAgent("agent-1")
	require.NoError(t, err)
	require.True(t, a.IsApproved)
	require.True(t, a.IsActive)
}

func TestApproveAgent_UnknownAgentReturns404(t *testing.T) {
	h, _ := newTestAPI(t, &recordingUnblocker{})
	req := authed(httptest.NewRequest(http.MethodPost, "/api/admin/agents/ghost/approve", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBlocks_RequiresAgentIDQueryParam(t *testing.T) {
	h, _ := newTestAPI(t, &recordingUnblocker{})
	req := authed(httptest.NewRequest(http.MethodGet, "/api/admin/blocks", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListBlocks_ReturnsActiveBlocksForAgent(t *testing.T) {
	h, st := newTestAPI(t, &recordingUnblocker{})
	_, _, err := st.CreateBlockIfAbsent(&store.IPBlock{
		ID: "blk-1", IPAddress: "203.0.113.9", AgentID: "agent-1", Source: store.BlockSourceRule,
	})
	require.NoError(t, err)

	req := authed(httptest.NewRequest(http.MethodGet, "/api/admin/blocks?agent_id=agent-1", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Blocks []blockView `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Blocks, 1)
	require.Equal(t, "203.0.113.9", resp.Blocks[0].IPAddress)
}

func TestUnblock_CallsBlockerWithGivenReason(t *testing.T) {
	unblocker := &recordingUnblocker{}
	h, _ := newTestAPI(t, unblocker)

	body, err := json.Marshal(map[string]string{"reason": "false positive"})
	require.NoError(t, err)
	req := authed(httptest.NewRequest(http.MethodPost, "/api/admin/blocks/blk-1/unblock", bytes.NewReader(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "blk-1", unblocker.blockID)
	require.Equal(t, "false positive", unblocker.reason)
}

func TestUnblock_DefaultsReasonWhenBodyEmpty(t *testing.T) {
	unblocker := &recordingUnblocker{}
	h, _ := newTestAPI(t, unblocker)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/admin/blocks/blk-2/unblock", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "manual unblock via operator api", unblocker.reason)
}
