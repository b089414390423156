package main

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

	"github.com/liamcoop/automation/audit"
	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/dispatch"
	"github.com/liamcoop/automation/internal/app"
	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/ticket"
)

func newTestServer(t *testing.T) (*Server, *app.App) {
	t.Helper()
	a, err := app.Build(context.Background(), config.Default())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return NewServer(a), a
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var highValueRule = map[string]any{
	"name":      "Large invoice",
	"eventType": "invoice.created",
	"condition": map[string]any{"field": "amount", "operator": "gt", "value": 1000},
	"actions": []map[string]any{{
		"type":   "notify",
		"params": map[string]any{"message": "=\"Invoice over limit: \" + string(payload.amount)"},
	}},
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "memory", resp.Storage)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "automation_")
	assert.Contains(t, rec.Body.String(), "automation_log_warnings_total")
}

func TestPublishEventValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/events", PublishEventRequest{TenantID: "acme"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/events", PublishEventRequest{Type: "invoice.created"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/events", PublishEventRequest{TenantID: "acme", Type: "invoice.created"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, decode[PublishEventResponse](t, rec).EventID)
}

func TestRuleLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/tenants/acme/rules", highValueRule)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[rules.Rule](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)
	assert.Equal(t, 1, created.Version)

	rec = do(t, s, http.MethodGet, "/api/v1/tenants/acme/rules/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Another tenant cannot see it.
	rec = do(t, s, http.MethodGet, "/api/v1/tenants/globex/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPatch, "/api/v1/tenants/acme/rules/"+created.ID, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[rules.Rule](t, rec)
	assert.False(t, updated.Enabled)
	assert.Equal(t, 2, updated.Version)

	rec = do(t, s, http.MethodGet, "/api/v1/tenants/acme/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[RulesListResponse](t, rec).Rules, 1)

	rec = do(t, s, http.MethodDelete, "/api/v1/tenants/acme/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, s, http.MethodDelete, "/api/v1/tenants/acme/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRuleRejectsInvalid(t *testing.T) {
	s, _ := newTestServer(t)

	testCases := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{
			"condition": map[string]any{"field": "a", "operator": "eq", "value": 1},
		}},
		{"unknown operator", map[string]any{
			"name":      "bad",
			"condition": map[string]any{"field": "a", "operator": "matches", "value": 1},
		}},
		{"unknown action", map[string]any{
			"name":      "bad",
			"condition": map[string]any{"field": "a", "operator": "eq", "value": 1},
			"actions":   []map[string]any{{"type": "sms"}},
		}},
		{"notify without message", map[string]any{
			"name":      "bad",
			"condition": map[string]any{"field": "a", "operator": "eq", "value": 1},
			"actions":   []map[string]any{{"type": "notify", "params": map[string]any{}}},
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/v1/tenants/acme/rules", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestEventProducesAuditAndPendingAction(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/tenants/acme/rules", highValueRule)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rule := decode[rules.Rule](t, rec)

	for _, amount := range []int{500, 5000} {
		rec = do(t, s, http.MethodPost, "/api/v1/events", PublishEventRequest{
			TenantID: "acme",
			Type:     "invoice.created",
			Payload:  map[string]any{"amount": amount},
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/tenants/acme/audits?ruleId="+rule.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode[AuditListResponse](t, rec).Records
	require.Len(t, records, 2)
	matched := 0
	for _, r := range records {
		if r.Matched {
			matched++
		}
	}
	assert.Equal(t, 1, matched)

	rec = do(t, s, http.MethodGet, "/api/v1/actions/pending?tenantId=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[PendingActionsResponse](t, rec).Entries
	require.Len(t, entries, 1)
	assert.Equal(t, "Invoice over limit: 5000", entries[0].Payload.Params["message"])

	rec = do(t, s, http.MethodGet, "/api/v1/tenants/acme/actions/"+entries[0].ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/v1/tenants/globex/actions/"+entries[0].ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/actions/pending?tenantId=globex", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[PendingActionsResponse](t, rec).Entries)
}

func TestSimulateWritesNothing(t *testing.T) {
	s, a := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/tenants/acme/rules", highValueRule)
	require.Equal(t, http.StatusCreated, rec.Code)
	rule := decode[rules.Rule](t, rec)

	rec = do(t, s, http.MethodPost, "/api/v1/tenants/acme/rules/"+rule.ID+"/simulate", SimulateRequest{
		Payload: map[string]any{"amount": 2500},
		Actor:   "analyst",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[dispatch.SimulationResult](t, rec)
	assert.True(t, res.Matched)
	require.Len(t, res.Actions, 1)

	records, err := a.Audits.List(context.Background(), rule.TenantID, audit.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, records)

	rec = do(t, s, http.MethodGet, "/api/v1/actions/pending", nil)
	assert.Empty(t, decode[PendingActionsResponse](t, rec).Entries)

	rec = do(t, s, http.MethodPost, "/api/v1/tenants/acme/rules/missing/simulate", SimulateRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTicketWorkflow(t *testing.T) {
	s, a := newTestServer(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a.Tickets.WithClock(func() time.Time { return now })

	rec := do(t, s, http.MethodPost, "/api/v1/tenants/acme/sla-policies", ticket.SLAPolicy{
		ID: "p1", Priority: "P1", ResponseMinutes: 15, ResolutionMinutes: 120,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	for _, e := range []ticket.EngineerProfile{
		{ID: "eng-1", Skills: []string{"network"}, Region: "EU", OnDuty: true, MaxLoad: 5, PerformanceScore: 90},
		{ID: "eng-2", Skills: []string{"network"}, Region: "US", OnDuty: true, MaxLoad: 5, PerformanceScore: 70},
	} {
		rec = do(t, s, http.MethodPost, "/api/v1/tenants/acme/engineers", e)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodPost, "/api/v1/tenants/acme/tickets", ticket.NewTicket{
		Title: "Core switch down", Priority: "P1", Region: "EU", RequiredSkills: []string{"network"}, Actor: "intake",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tk := decode[ticket.Ticket](t, rec)
	assert.Equal(t, ticket.StatusNew, tk.Status)
	assert.Equal(t, "p1", tk.SLAPolicyID)
	require.NotNil(t, tk.ResolutionDueAt)

	base := "/api/v1/tenants/acme/tickets/" + tk.ID

	rec = do(t, s, http.MethodPost, base+"/transition", TransitionRequest{To: ticket.StatusResolved, Actor: "eng-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, base+"/transition", TransitionRequest{To: ticket.StatusAcknowledged, Actor: "eng-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tr := decode[TransitionResponse](t, rec)
	assert.Equal(t, ticket.StatusAcknowledged, tr.Ticket.Status)
	assert.NotNil(t, tr.Ticket.FirstResponseAt)

	rec = do(t, s, http.MethodPost, base+"/assignment", AssignmentRequest{Actor: "dispatcher"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ranking := decode[ticket.Ranking](t, rec)
	require.NotNil(t, ranking.Primary)
	assert.Equal(t, "eng-1", ranking.Primary.Engineer.ID)

	rec = do(t, s, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[TicketResponse](t, rec)
	assert.Equal(t, "eng-1", got.Ticket.AssignedEngineerID)
	assert.Equal(t, "eng-2", got.Ticket.BackupEngineerID)
	assert.GreaterOrEqual(t, len(got.Activity), 3)

	rec = do(t, s, http.MethodGet, "/api/v1/tenants/globex/tickets/"+tk.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	now = now.Add(3 * time.Hour)
	rec = do(t, s, http.MethodPost, "/api/v1/tenants/acme/tickets/breaches/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[BreachCheckResponse](t, rec).Breached, 1)

	rec = do(t, s, http.MethodPost, "/api/v1/tenants/acme/tickets/breaches/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[BreachCheckResponse](t, rec).Breached)
}
