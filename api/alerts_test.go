package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krai.services/engine/alerts"
	"krai.services/engine/db"
)

// TestAlertRulesCRUD tests rule management over HTTP
func TestAlertRulesCRUD(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/alerts/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data []db.AlertRule `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	seeded := len(env.Data)
	require.Greater(t, seeded, 0, "defaults are seeded")

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/alerts/rules", db.AlertRule{
		RuleName:          "embedding_backlog",
		Enabled:           true,
		MetricKey:         "queue.pending",
		ThresholdValue:    500,
		ThresholdOperator: ">",
		SeverityThreshold: "high",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/alerts/rules", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Len(t, env.Data, seeded+1)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/alerts/rules/embedding_backlog", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/alerts/rules", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Len(t, env.Data, seeded)
}

// TestAddRule_MissingName tests input validation on rule creation
func TestAddRule_MissingName(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/alerts/rules", db.AlertRule{MetricKey: "queue.pending"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestAlertLifecycleOverHTTP tests list, acknowledge, and dismiss
func TestAlertLifecycleOverHTTP(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	alertID, err := srv.deps.Alerts.QueueAlert(ctx, alerts.ErrorEvent{
		ErrorType: "permanent",
		Stage:     "classification",
		Severity:  "high",
		Message:   "classifier rejected document",
	})
	require.NoError(t, err)
	require.NotEmpty(t, alertID)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/alerts?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data []db.Alert `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Data, 1)
	assert.Equal(t, alertID, env.Data[0].ID)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/alerts/"+alertID+"/acknowledge", AcknowledgeRequest{User: "operator"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/alerts/"+alertID+"/acknowledge", AcknowledgeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "user is required")

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/alerts/"+alertID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/alerts", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Empty(t, env.Data)
}

// TestListAlerts_BadLimit tests limit parsing
func TestListAlerts_BadLimit(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/alerts?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
