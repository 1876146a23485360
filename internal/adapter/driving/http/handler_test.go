package httphandler_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httphandler "github.com/ericfisherdev/licensegate/internal/adapter/driving/http"
	"github.com/ericfisherdev/licensegate/internal/adapter/driven/panel"
	"github.com/ericfisherdev/licensegate/internal/adapter/wire"
	"github.com/ericfisherdev/licensegate/internal/application"
	"github.com/ericfisherdev/licensegate/internal/domain/model"
	"github.com/ericfisherdev/licensegate/internal/domain/port/driven"
	"github.com/ericfisherdev/licensegate/internal/domain/signing"
)

// --- In-memory store ---

type memStore struct {
	mu       sync.Mutex
	licenses map[string]model.License
}

func newMemStore() *memStore {
	return &memStore{licenses: make(map[string]model.License)}
}

func (m *memStore) Upsert(_ context.Context, l model.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.licenses[l.Key]; ok && existing.Revoked {
		l.Revoked = true
	}
	m.licenses[l.Key] = l
	return nil
}

func (m *memStore) Find(_ context.Context, key string) (*model.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.licenses[key]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *memStore) Revoke(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.licenses[key]
	if !ok || l.Revoked {
		return false, nil
	}
	l.Revoked = true
	m.licenses[key] = l
	return true, nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.licenses)
}

// --- Helpers ---

const testSecret = "http-handler-test-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLicenseService(t *testing.T, store driven.LicenseStore, mode model.Mode, pc driven.PanelClient) *application.LicenseService {
	t.Helper()
	signer, err := signing.New(testSecret)
	require.NoError(t, err)
	return application.NewLicenseService(store, signer, mode, pc, discardLogger())
}

type testServer struct {
	handler http.Handler
	store   *memStore
	reg     *prometheus.Registry
}

func setupServer(t *testing.T, cfg httphandler.ServerConfig) *testServer {
	t.Helper()
	store := newMemStore()
	svc := newLicenseService(t, store, model.ModeLocal, nil)

	reg := prometheus.NewRegistry()
	h := httphandler.NewHandler(svc, httphandler.NewMetrics(reg), discardLogger())
	return &testServer{
		handler: httphandler.NewServeMux(h, cfg, reg, discardLogger()),
		store:   store,
		reg:     reg,
	}
}

func (s *testServer) post(t *testing.T, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func issue(t *testing.T, s *testServer, pluginID string, validDays int) wire.License {
	t.Helper()
	body, err := json.Marshal(wire.IssueRequest{PluginID: pluginID, Owner: "alice", ValidDays: validDays})
	require.NoError(t, err)

	rec := s.post(t, "/api/licenses/issue", string(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[wire.LicenseResponse](t, rec)
	require.NotNil(t, resp.License)
	return *resp.License
}

// --- Routes ---

func TestIssueValidateRevokeGet(t *testing.T) {
	s := setupServer(t, httphandler.ServerConfig{})

	license := issue(t, s, "Shop", 30)
	assert.Equal(t, "shop", license.PluginID)
	assert.Equal(t, "alice", license.Owner)
	require.NotNil(t, license.ExpiresAt)
	require.NotNil(t, license.IssuedAt)
	assert.Equal(t, *license.IssuedAt+30*24*60*60, *license.ExpiresAt)

	rec := s.post(t, "/api/licenses/validate", `{"pluginId":"shop","key":"`+license.Key+`","serverId":"lobby"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	validated := decode[wire.ValidateResponse](t, rec)
	assert.Equal(t, "VALID", validated.Result)
	require.NotNil(t, validated.License)
	assert.Equal(t, license.Key, validated.License.Key)

	rec = s.post(t, "/api/licenses/revoke", `{"key":"`+license.Key+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[wire.RevokeResponse](t, rec).Success)

	rec = s.post(t, "/api/licenses/revoke", `{"key":"`+license.Key+`"}`)
	assert.False(t, decode[wire.RevokeResponse](t, rec).Success)

	rec = s.post(t, "/api/licenses/get", `{"key":"`+license.Key+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[wire.LicenseResponse](t, rec)
	require.NotNil(t, got.License)
	assert.True(t, got.License.Revoked)

	rec = s.post(t, "/api/licenses/validate", `{"pluginId":"shop","key":"`+license.Key+`"}`)
	assert.Equal(t, "REVOKED", decode[wire.ValidateResponse](t, rec).Result)
}

func TestValidate_SignatureInvalidOmitsLicense(t *testing.T) {
	s := setupServer(t, httphandler.ServerConfig{})

	rec := s.post(t, "/api/licenses/validate", `{"pluginId":"shop","key":"FORGED.key"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"SIGNATURE_INVALID"}`, rec.Body.String())
}

func TestIssue_NonExpiringUsesSentinel(t *testing.T) {
	s := setupServer(t, httphandler.ServerConfig{})

	license := issue(t, s, "shop", 0)
	require.NotNil(t, license.ExpiresAt)
	assert.Equal(t, int64(-1), *license.ExpiresAt)
}

func TestIssue_EmptyOwnerAccepted(t *testing.T) {
	s := setupServer(t, httphandler.ServerConfig{})

	rec := s.post(t, "/api/licenses/issue", `{"pluginId":"shop","validDays":3}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[wire.LicenseResponse](t, rec)
	require.NotNil(t, resp.License)
	assert.Empty(t, resp.License.Owner)
	assert.Equal(t, 1, s.store.len())
}

func TestGet_NotFound(t *testing.T) {
	s := setupServer(t, httphandler.ServerConfig{})

	rec := s.post(t, "/api/licenses/get", `{"key":"missing.key"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"license not found"}`, rec.Body.String())
}

func TestBadRequests(t *testing.T) {
	s := setupServer(t, httphandler.ServerConfig{})

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"empty body", "/api/licenses/validate", ``, http.StatusBadRequest},
		{"malformed json", "/api/licenses/validate", `{"pluginId":`, http.StatusBadRequest},
		{"missing key", "/api/licenses/validate", `{"pluginId":"shop"}`, http.StatusBadRequest},
		{"owner too long", "/api/licenses/issue", `{"pluginId":"shop","owner":"` + strings.Repeat("o", 129) + `"}`, http.StatusBadRequest},
		{"plugin too long", "/api/licenses/issue", `{"pluginId":"` + strings.Repeat("p", 65) + `","owner":"a"}`, http.StatusBadRequest},
		{"missing revoke key", "/api/licenses/revoke", `{}`, http.StatusBadRequest},
		{"oversized body", "/api/licenses/get", `{"key":"` + strings.Repeat("k", 70<<10) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.post(t, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
	assert.Zero(t, s.store.len())
}

func TestMissingKeyMessageNamesField(t *testing.T) {
	s := setupServer(t, httphandler.ServerConfig{})

	rec := s.post(t, "/api/licenses/validate", `{"pluginId":"shop"}`)
	assert.Contains(t, rec.Body.String(), "key failed required")
}

func TestMethodNotAllowed(t *testing.T) {
	s := setupServer(t, httphandler.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/licenses/validate", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	s := setupServer(t, httphandler.ServerConfig{APIToken: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "health is not behind auth")
	resp := decode[httphandler.HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "LOCAL", resp.Mode)
	assert.False(t, resp.Remote)
	_, err := time.Parse(time.RFC3339, resp.Time)
	assert.NoError(t, err)
}

// --- Middleware ---

func TestAuth(t *testing.T) {
	s := setupServer(t, httphandler.ServerConfig{
		APIToken:         "s3cret",
		AuthHeaderName:   "Authorization",
		AuthHeaderPrefix: "Bearer ",
	})
	body := `{"key":"missing.key"}`

	tests := []struct {
		name   string
		header []string
		status int
	}{
		{"missing header", nil, http.StatusUnauthorized},
		{"wrong token", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"missing prefix", []string{"Authorization", "s3cret"}, http.StatusUnauthorized},
		{"valid", []string{"Authorization", "Bearer s3cret"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.post(t, "/api/licenses/get", body, tt.header...)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	s := setupServer(t, httphandler.ServerConfig{RateLimitRPS: 0.001, RateLimitBurst: 2})

	for range 2 {
		rec := s.post(t, "/api/licenses/get", `{"key":"missing.key"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	rec := s.post(t, "/api/licenses/get", `{"key":"missing.key"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRequestID(t *testing.T) {
	s := setupServer(t, httphandler.ServerConfig{})

	rec := s.post(t, "/api/licenses/get", `{"key":"missing.key"}`)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36, "generated UUID")

	rec = s.post(t, "/api/licenses/get", `{"key":"missing.key"}`, "X-Request-ID", "trace-123")
	assert.Equal(t, "trace-123", rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupServer(t, httphandler.ServerConfig{})

	license := issue(t, s, "shop", 1)
	s.post(t, "/api/licenses/validate", `{"pluginId":"shop","key":"`+license.Key+`"}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `licensegate_validations_total{result="VALID"} 1`)
	assert.Contains(t, body, `licensegate_http_requests_total{route="issue",status="201"} 1`)
}

// --- Panel protocol end to end ---

// TestRemoteNodeAgainstPanelNode runs one node as the panel for another and
// checks that REMOTE and HYBRID semantics hold over the real wire protocol.
func TestRemoteNodeAgainstPanelNode(t *testing.T) {
	panelNode := setupServer(t, httphandler.ServerConfig{
		APIToken:         "panel-token",
		AuthHeaderName:   "Authorization",
		AuthHeaderPrefix: "Bearer ",
	})
	srv := httptest.NewServer(panelNode.handler)
	t.Cleanup(srv.Close)

	client, err := panel.New(panel.Config{
		BaseURL:         srv.URL,
		ServerID:        "edge-1",
		AuthHeaderName:  "Authorization",
		AuthHeaderValue: "Bearer panel-token",
		Endpoints:       panel.DefaultEndpoints(),
	}, discardLogger())
	require.NoError(t, err)

	edgeStore := newMemStore()
	edge := newLicenseService(t, edgeStore, model.ModeRemote, client)
	ctx := context.Background()

	license := edge.Issue(ctx, "shop", "alice", 30)
	assert.Equal(t, 1, panelNode.store.len(), "panel issued its own license")
	assert.Equal(t, 2, edgeStore.len(), "edge keeps its local license and caches the panel's")

	assert.Equal(t, model.ResultValid, edge.Validate(ctx, "shop", license.Key))
	assert.True(t, edge.Revoke(ctx, license.Key))
	assert.Equal(t, model.ResultRevoked, edge.Validate(ctx, "shop", license.Key))

	got := edge.Get(ctx, license.Key)
	require.NotNil(t, got)
	assert.True(t, got.Revoked)

	// With the panel gone, REMOTE reports errors and HYBRID falls back.
	srv.Close()
	assert.Equal(t, model.ResultRemoteError, edge.Validate(ctx, "shop", license.Key))
	assert.Nil(t, edge.Get(ctx, license.Key))

	hybrid := newLicenseService(t, edgeStore, model.ModeHybrid, client)
	assert.Equal(t, model.ResultRevoked, hybrid.Validate(ctx, "shop", license.Key))
	require.NotNil(t, hybrid.Get(ctx, license.Key))
}
