package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krai.services/engine/alerts"
	"krai.services/engine/config"
	"krai.services/engine/db"
	"krai.services/engine/monitor"
	"krai.services/engine/realtime"
	"krai.services/engine/tracker"
)

type stubHardware struct{}

func (stubHardware) Read(ctx context.Context) (*monitor.HardwareMetrics, error) {
	return &monitor.HardwareMetrics{CPUPercent: 12.5, RAMPercent: 40}, nil
}

type recordingRunner struct {
	mu   sync.Mutex
	runs []string
}

func (r *recordingRunner) ProcessDocument(ctx context.Context, documentID string) error {
	r.mu.Lock()
	r.runs = append(r.runs, documentID)
	r.mu.Unlock()
	return nil
}

func (r *recordingRunner) processed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func testSecurity() config.SecurityConfig {
	return config.SecurityConfig{
		ValidationEnabled: true,
		MaxRequestMB:      10,
		MaxUploadMB:       5,
		AllowedExtensions: []string{".pdf"},
		JWTSecret:         "test-secret",
	}
}

func newTestServer(t *testing.T) (*Server, *db.Memory, *recordingRunner) {
	t.Helper()
	mem := db.NewMemory()
	trk := tracker.NewTracker(mem, nil)
	svc := monitor.NewService(mem, stubHardware{}, config.MonitorConfig{
		CacheTTL:         5 * time.Second,
		HardwareCacheTTL: time.Second,
	})
	rules := alerts.NewRuleStore(mem)
	require.NoError(t, rules.Seed(context.Background()))
	alertSvc := alerts.NewService(mem, rules, svc)
	hub := realtime.NewHub(svc, 50*time.Millisecond)
	runner := &recordingRunner{}

	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, testSecurity(), Deps{
		Port:    mem,
		Monitor: svc,
		Alerts:  alertSvc,
		Hub:     hub,
		Tracker: trk,
		Runner:  runner,
		Tokens:  NewTokenService("test-secret", time.Hour),
	}, t.TempDir())
	return srv, mem, runner
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echoHeaderContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

// TestHealth tests the liveness endpoint with a reachable store
func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "krai-engine", resp.Service)
	assert.Equal(t, "ok", resp.Details["database"])
}

// TestReady_StoreDown tests readiness degradation on store loss
func TestReady_StoreDown(t *testing.T) {
	srv, mem, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	mem.SetUnavailable(true)
	rec = doJSON(t, srv, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestGenerateToken tests token issue and round-trip validation
func TestGenerateToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/auth/token", TokenRequest{
		UserID:      "tech-42",
		Permissions: []string{"monitoring:read"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	claims, err := srv.deps.Tokens.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "tech-42", claims.UserID)
	assert.True(t, claims.HasPermission("monitoring:read"))
	assert.False(t, claims.HasPermission("documents:write"))
}

// TestGenerateToken_MissingUser tests input validation on token issue
func TestGenerateToken_MissingUser(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/auth/token", TokenRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestValidateToken_Forged tests rejection of tokens signed elsewhere
func TestValidateToken_Forged(t *testing.T) {
	srv, _, _ := newTestServer(t)
	other := NewTokenService("different-secret", time.Hour)
	forged, err := other.GenerateToken("intruder", []string{"monitoring:read"})
	require.NoError(t, err)

	_, err = srv.deps.Tokens.ValidateToken(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// TestErrorHandler_ValidationBody tests the canonical rejection body
func TestErrorHandler_ValidationBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "manual.exe")
	require.NoError(t, err)
	_, err = part.Write([]byte("MZ binary"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
	req.Header.Set(echoHeaderContentType, writer.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "UNSUPPORTED_FILE_TYPE", resp["error_code"])
	assert.Equal(t, float64(http.StatusBadRequest), resp["status"])
	assert.NotEmpty(t, resp["detail"])
}
