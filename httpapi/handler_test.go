package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/rbac/httpapi"
	"github.com/oarkflow/rbac/stores"
)

func newTestServer(t *testing.T, opts ...httpapi.Option) (http.Handler, *rbac.Service, *stores.MemoryAuditStore) {
	t.Helper()
	audit := stores.NewMemoryAuditStore()
	svc, err := rbac.NewService(stores.NewMemoryAssignmentStore(), rbac.WithAuditSink(audit))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	ctx := context.Background()
	for _, a := range []rbac.RoleAssignment{
		rbac.NewAssignmentBuilder("root").Role(rbac.RoleSuperAdmin).Platform().Build(),
		rbac.NewAssignmentBuilder("ada").Role(rbac.RoleTenantAdmin).Tenant("t1").Build(),
		rbac.NewAssignmentBuilder("vic").Role(rbac.RoleViewer).Client("t1", "c1").Build(),
	} {
		_, _, err := svc.Assign(ctx, a)
		require.NoError(t, err)
	}
	return httpapi.NewHandler(svc, opts...).Routes(), svc, audit
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeDecision(t *testing.T, rr *httptest.ResponseRecorder) rbac.Decision {
	t.Helper()
	var d rbac.Decision
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	return d
}

func TestCheckEndpoint(t *testing.T) {
	h, _, _ := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/policies/check", rbac.CheckRequest{
		Subject: "vic", Action: "read", Resource: "prompt:p1",
		Context: rbac.RequestContext{TenantID: "t1", ClientID: "c1"},
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, rbac.Decision{Allow: true, Reason: "granted_by_role:viewer"}, decodeDecision(t, rr))

	rr = do(t, h, http.MethodPost, "/policies/check", rbac.CheckRequest{
		Subject: "vic", Action: "read", Resource: "prompt:p1",
		Context: rbac.RequestContext{TenantID: "t1", ClientID: "c2"},
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, rbac.Decision{Allow: false, Reason: rbac.ReasonScopeMismatch}, decodeDecision(t, rr))
}

func TestCheckEndpointRejectsBadBodies(t *testing.T) {
	h, _, _ := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/policies/check", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/policies/check", map[string]string{"subject": "vic", "action": "read"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "resource")

	rr = do(t, h, http.MethodPost, "/policies/check", rbac.CheckRequest{Subject: "vic", Action: "   ", Resource: "prompt:p1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), rbac.ReasonMalformedRequest)

	rr = do(t, h, http.MethodPost, "/policies/check", rbac.CheckRequest{Subject: "vic", Action: "read", Resource: ":p1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/policies/check/batch", map[string]any{"requests": []rbac.CheckRequest{
		{Subject: "vic", Action: "read", Resource: "prompt:p1", Context: rbac.RequestContext{TenantID: "t1", ClientID: "c1"}},
		{Subject: "vic", Action: "read", Resource: " :p1"},
	}}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "requests[1]")

	// a well-formed request without tenant context is a denial, not a bad request
	rr = do(t, h, http.MethodPost, "/policies/check", rbac.CheckRequest{Subject: "vic", Action: "read", Resource: "prompt:p1"}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, rbac.Deny(rbac.ReasonMissingTenantContext), decodeDecision(t, rr))
}

func TestCorrelationIDIsEchoedAndAudited(t *testing.T) {
	h, svc, audit := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/policies/check", rbac.CheckRequest{
		Subject: "nobody", Action: "read", Resource: "tenant:t1",
	}, map[string]string{httpapi.HeaderCorrelationID: "corr-42"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "corr-42", rr.Header().Get(httpapi.HeaderCorrelationID))
	require.NoError(t, svc.Close(context.Background()))

	events, err := audit.GetAccessLog(context.Background(), rbac.AuditFilter{CorrelationID: "corr-42"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, rbac.ReasonNoRolesAssigned, events[0].Reason)

	rr = do(t, h, http.MethodGet, "/healthz", nil, nil)
	assert.NotEmpty(t, rr.Header().Get(httpapi.HeaderCorrelationID))
}

func TestBatchEndpointKeepsOrder(t *testing.T) {
	h, _, _ := newTestServer(t)
	rr := do(t, h, http.MethodPost, "/policies/check/batch", map[string]any{
		"requests": []rbac.CheckRequest{
			{Subject: "root", Action: "delete", Resource: "tenant:t9"},
			{Subject: "vic", Action: "write", Resource: "prompt:p1", Context: rbac.RequestContext{TenantID: "t1", ClientID: "c1"}},
			{Subject: "ada", Action: "read", Resource: "workflow:w1"},
		},
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Decisions []rbac.Decision `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Decisions, 3)
	assert.True(t, body.Decisions[0].Allow)
	assert.Equal(t, rbac.ReasonLacksPermission, body.Decisions[1].Reason)
	assert.Equal(t, rbac.ReasonMissingTenantContext, body.Decisions[2].Reason)

	rr = do(t, h, http.MethodPost, "/policies/check/batch", map[string]any{"requests": []rbac.CheckRequest{}}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAssignmentLifecycle(t *testing.T) {
	h, _, _ := newTestServer(t)
	check := func() rbac.Decision {
		rr := do(t, h, http.MethodPost, "/policies/check", rbac.CheckRequest{
			Subject: "eve", Action: "execute", Resource: "workflow:w1",
			Context: rbac.RequestContext{TenantID: "t1", ClientID: "c1"},
		}, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		return decodeDecision(t, rr)
	}
	assert.Equal(t, rbac.ReasonNoRolesAssigned, check().Reason)

	body := map[string]string{"subject_id": "eve", "role": rbac.RoleAgent, "tenant_id": "t1", "client_id": "c1"}
	rr := do(t, h, http.MethodPost, "/assignments", body, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = do(t, h, http.MethodPost, "/assignments", body, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	assert.True(t, check().Allow)

	rr = do(t, h, http.MethodGet, "/subjects/eve/assignments", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"role":"agent"`)

	rr = do(t, h, http.MethodGet, "/subjects/eve/permissions?tenant_id=t1&client_id=c1", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "execute:workflow")

	rr = do(t, h, http.MethodDelete, "/assignments", body, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, rbac.ReasonNoRolesAssigned, check().Reason)
}

func TestAssignmentValidation(t *testing.T) {
	h, _, _ := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/assignments", map[string]string{"subject_id": "x", "role": "wizard", "tenant_id": "t1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/assignments", map[string]string{"subject_id": "x", "role": rbac.RoleViewer, "client_id": "c1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/assignments", map[string]string{"subject_id": "x", "role": rbac.RoleViewer, "subject_type": "robot"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestInvalidateEndpoint(t *testing.T) {
	h, _, _ := newTestServer(t)
	rr := do(t, h, http.MethodPost, "/subjects/vic/invalidate", nil, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestAdminGuard(t *testing.T) {
	h, _, _ := newTestServer(t, httpapi.WithAdminGuard())
	body := map[string]string{"subject_id": "new", "role": rbac.RoleViewer, "tenant_id": "t1", "client_id": "c1"}

	rr := do(t, h, http.MethodPost, "/assignments", body, map[string]string{httpapi.HeaderSubjectID: "vic", httpapi.HeaderTenantID: "t1", httpapi.HeaderClientID: "c1"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodPost, "/assignments", body, map[string]string{httpapi.HeaderSubjectID: "ada", httpapi.HeaderTenantID: "t1"})
	assert.Equal(t, http.StatusCreated, rr.Code)

	other := map[string]string{"subject_id": "new", "role": rbac.RoleViewer, "tenant_id": "t2"}
	rr = do(t, h, http.MethodPost, "/assignments", other, map[string]string{httpapi.HeaderSubjectID: "ada", httpapi.HeaderTenantID: "t1"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodPost, "/assignments", other, map[string]string{httpapi.HeaderSubjectID: "root"})
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestRateLimit(t *testing.T) {
	h, _, _ := newTestServer(t, httpapi.WithRateLimit(2, time.Minute))
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil, nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/healthz", nil, nil).Code)
}

func TestStatsEndpoint(t *testing.T) {
	h, _, _ := newTestServer(t)
	do(t, h, http.MethodPost, "/policies/check", rbac.CheckRequest{Subject: "root", Action: "read", Resource: "tenant:t1"}, nil)
	rr := do(t, h, http.MethodGet, "/stats", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats rbac.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats.Checks)
}

func TestAccessLogEndpoint(t *testing.T) {
	h, svc, _ := newTestServer(t)
	do(t, h, http.MethodPost, "/policies/check", rbac.CheckRequest{
		Subject: "vic", Action: "write", Resource: "prompt:p1",
		Context: rbac.RequestContext{TenantID: "t1", ClientID: "c1"},
	}, nil)
	require.NoError(t, svc.Close(context.Background()))

	rr := do(t, h, http.MethodGet, "/audit?subject_id=vic&allow=false", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Events []rbac.AuditEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, rbac.ReasonLacksPermission, body.Events[0].Reason)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/audit?limit=zero", nil, nil).Code)
}

func TestAccessLogGuard(t *testing.T) {
	h, svc, _ := newTestServer(t, httpapi.WithAdminGuard())
	for _, tenant := range []string{"t1", "t2"} {
		svc.Check(context.Background(), rbac.CheckRequest{
			Subject: "vic", Action: "write", Resource: "prompt:p1",
			Context: rbac.RequestContext{TenantID: tenant, ClientID: "c1"},
		})
	}
	require.NoError(t, svc.Close(context.Background()))

	rr := do(t, h, http.MethodGet, "/audit", nil, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodGet, "/audit", nil, map[string]string{httpapi.HeaderSubjectID: "vic", httpapi.HeaderTenantID: "t1", httpapi.HeaderClientID: "c1"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodGet, "/audit?subject_id=vic", nil, map[string]string{httpapi.HeaderSubjectID: "ada", httpapi.HeaderTenantID: "t1"})
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Events []rbac.AuditEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "t1", body.Events[0].TenantID)

	rr = do(t, h, http.MethodGet, "/audit?tenant_id=t2", nil, map[string]string{httpapi.HeaderSubjectID: "ada", httpapi.HeaderTenantID: "t1"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodGet, "/audit?subject_id=vic", nil, map[string]string{httpapi.HeaderSubjectID: "root"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body.Events, 2)
}

func TestAccessLogWithoutQueryableSink(t *testing.T) {
	svc, err := rbac.NewService(stores.NewMemoryAssignmentStore())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	rr := do(t, httpapi.NewHandler(svc).Routes(), http.MethodGet, "/audit", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}
