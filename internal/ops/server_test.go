package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrelay/internal/config"
	"flowrelay/internal/dedup"
	"flowrelay/internal/logger"
	"flowrelay/internal/recordstore"
	"flowrelay/pkg/health"
)

func newTestServer(watcher *config.Watcher) *Server {
	cfg := &config.Config{
		Ops: config.OpsConfig{Port: 0},
		Approvals: []config.ApprovalRule{{
			Name:       "leave",
			TemplateID: "PROC-1",
			Actions:    []config.ActionConfig{{Type: config.ActionTypeWebhook, URL: "https://x"}},
		}},
		PersonnelEvents: []config.PersonnelRule{{
			Name:       "onboarding",
			ChangeType: 1,
		}},
	}

	registry := health.NewCheckerRegistry()
	registry.Register(health.NewFuncChecker("record_store", func(ctx context.Context) error {
		return nil
	}))

	caches := recordstore.NewCaches(config.CacheConfig{
		TokenTTLSeconds: 60, TokenMaxEntries: 2,
		UserTTLSeconds: 60, UserMaxEntries: 10,
		DeptTTLSeconds: 60, DeptMaxEntries: 10,
	})

	return NewServer(
		config.NewStore(cfg),
		dedup.NewMemoryStore(time.Minute, 100),
		caches,
		registry,
		watcher,
		logger.NopLogger(),
	)
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	w := doRequest(t, newTestServer(nil), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body health.Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, health.StatusHealthy, body.Status)
	assert.Contains(t, body.Checks, "record_store")
}

func TestRulesEndpoint(t *testing.T) {
	w := doRequest(t, newTestServer(nil), http.MethodGet, "/api/v1/rules")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Approvals []ruleSummary `json:"approvals"`
		Personnel []ruleSummary `json:"personnel_events"`
		State     string        `json:"watcher_state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Approvals, 1)
	assert.Equal(t, "leave", body.Approvals[0].Name)
	assert.Equal(t, "PROC-1", body.Approvals[0].Key)
	assert.True(t, body.Approvals[0].Enabled)
	assert.Equal(t, 1, body.Approvals[0].Actions)
	require.Len(t, body.Personnel, 1)
	assert.Equal(t, "change_type:1", body.Personnel[0].Key)
	assert.Equal(t, "idle", body.State)
}

func TestCachesEndpoint(t *testing.T) {
	w := doRequest(t, newTestServer(nil), http.MethodGet, "/api/v1/caches")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "token")
	assert.Contains(t, body, "user")
	assert.Contains(t, body, "dept")
}

func TestDedupEndpoint(t *testing.T) {
	w := doRequest(t, newTestServer(nil), http.MethodGet, "/api/v1/dedup")
	require.Equal(t, http.StatusOK, w.Code)

	var stats dedup.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "memory", stats.Backend)
}

func TestReloadWithoutWatcherConflicts(t *testing.T) {
	w := doRequest(t, newTestServer(nil), http.MethodPost, "/api/v1/reload")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	w := doRequest(t, newTestServer(nil), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
