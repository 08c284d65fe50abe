package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/approvalhub/internal/api"
	"github.com/kiranshivaraju/approvalhub/internal/api/handler"
	mw "github.com/kiranshivaraju/approvalhub/internal/api/middleware"
	"github.com/kiranshivaraju/approvalhub/internal/apperr"
	"github.com/kiranshivaraju/approvalhub/internal/bulk"
	"github.com/kiranshivaraju/approvalhub/internal/cache"
	"github.com/kiranshivaraju/approvalhub/internal/config"
	"github.com/kiranshivaraju/approvalhub/internal/document"
	"github.com/kiranshivaraju/approvalhub/internal/metrics"
	"github.com/kiranshivaraju/approvalhub/internal/secrets"
	"github.com/kiranshivaraju/approvalhub/internal/store"
	"github.com/kiranshivaraju/approvalhub/internal/tenant"
	"github.com/kiranshivaraju/approvalhub/internal/workflow"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

const (
	aliceKey  = "ah_alice_contract_key_1234567890"
	bobKey    = "ah_bobby_contract_key_1234567890"
	viewerKey = "ah_viewr_contract_key_1234567890"
	rateLimit = 20
)

var (
	alice = models.Identity{ID: "alice", Name: "Alice"}
	bob   = models.Identity{ID: "bob", Name: "Bob"}
)

func hashKey(raw string) string {
	h, _ := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	return string(h)
}

func docRef(n string) models.DocumentRef {
	return models.DocumentRef{Tenant: "BR", Branch: "01", Number: n}
}

// ─── mock key store ──────────────────────────────────────────────────────────

type mockKeys struct {
	mu   sync.Mutex
	keys []*models.APIKey
}

func newMockKeys() *mockKeys {
	return &mockKeys{keys: []*models.APIKey{
		{ID: uuid.New(), ActorID: alice.ID, ActorName: alice.Name, KeyHash: hashKey(aliceKey), KeyPrefix: aliceKey[:8],
			Scopes: []string{mw.ScopeApprove, mw.ScopeAdmin}},
		{ID: uuid.New(), ActorID: bob.ID, ActorName: bob.Name, KeyHash: hashKey(bobKey), KeyPrefix: bobKey[:8],
			Scopes: []string{mw.ScopeApprove}},
		{ID: uuid.New(), ActorID: "viewer", ActorName: "Viewer", KeyHash: hashKey(viewerKey), KeyPrefix: viewerKey[:8]},
	}}
}

func (s *mockKeys) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *mockKeys) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

func (s *mockKeys) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

func (s *mockKeys) ListAPIKeys(_ context.Context, actorID string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.ActorID == actorID && k.DeletedAt == nil {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *mockKeys) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id && k.DeletedAt == nil {
			now := time.Now()
			k.DeletedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

// ─── mock cache ──────────────────────────────────────────────────────────────

type mockCache struct {
	mu       sync.Mutex
	counters map[string]int64
}

func newMockCache() *mockCache {
	return &mockCache{counters: make(map[string]int64)}
}

func (c *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *mockCache) Delete(_ context.Context, _ string) error                         { return nil }
func (c *mockCache) DeleteMatching(_ context.Context, _ string) (int, error)          { return 0, nil }
func (c *mockCache) Ping(_ context.Context) error                                     { return nil }
func (c *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

var _ cache.Cache = (*mockCache)(nil)

// ─── mock tenant store ───────────────────────────────────────────────────────

type mockTenants struct {
	mu      sync.Mutex
	tenants map[string]*models.Tenant
}

func (s *mockTenants) CreateTenant(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.Code]; ok {
		return store.ErrDuplicateKey
	}
	cp := *t
	s.tenants[t.Code] = &cp
	return nil
}

func (s *mockTenants) UpdateTenant(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.Code]; !ok {
		return store.ErrNotFound
	}
	cp := *t
	s.tenants[t.Code] = &cp
	return nil
}

func (s *mockTenants) GetTenant(_ context.Context, code string) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *mockTenants) ListTenants(_ context.Context, activeOnly bool) ([]*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Tenant
	for _, t := range s.tenants {
		if activeOnly && !t.IsActive {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *mockTenants) DeactivateTenant(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[code]
	if !ok {
		return store.ErrNotFound
	}
	t.IsActive = false
	return nil
}

// ─── mock document querier ───────────────────────────────────────────────────

type mockQuerier struct {
	result *models.AggregateQueryResult
	spec   document.FilterSpec
}

func (q *mockQuerier) Query(_ context.Context, spec document.FilterSpec) (*models.AggregateQueryResult, error) {
	q.spec = spec
	if spec.Page < 0 {
		return nil, apperr.Validation("page must not be negative")
	}
	return q.result, nil
}

// ─── mock pinger ─────────────────────────────────────────────────────────────

type mockPinger struct {
	err error
}

func (p mockPinger) Ping(_ context.Context) error { return p.err }

// ─── test harness ────────────────────────────────────────────────────────────

type testServer struct {
	server  *httptest.Server
	engine  *workflow.Engine
	tenants *mockTenants
	docs    *mockQuerier
	keys    *mockKeys
}

type serverOptions struct {
	db    handler.Pinger
	cache handler.Pinger
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, serverOptions{db: mockPinger{}, cache: mockPinger{}})
}

func newTestServerWith(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	mc := newMockCache()

	repo := workflow.NewMemoryRepository()
	repo.PutTemplate(models.WorkflowTemplate{
		ID: "po",
		Levels: []models.TemplateLevel{
			{Order: 1, ApproverID: alice.ID, ApproverName: alice.Name},
			{Order: 2, ApproverID: bob.ID, ApproverName: bob.Name},
		},
	})
	unknown := 99
	repo.PutTemplate(models.WorkflowTemplate{
		ID: "misrouted",
		Levels: []models.TemplateLevel{
			{Order: 1, ApproverID: alice.ID, Next: &unknown},
			{Order: 2, ApproverID: bob.ID},
		},
	})
	engine := workflow.NewEngine(repo, repo, nil, metrics.Noop(), 0)
	coordinator := bulk.NewCoordinator(engine, 2, metrics.Noop())

	cipher, err := secrets.NewAESCipher("contract-test-master-key")
	require.NoError(t, err)
	ts := &mockTenants{tenants: make(map[string]*models.Tenant)}
	registry := tenant.NewRegistry(ts, cipher, config.ERPConfig{})
	tenants := tenant.NewService(ts, cipher, registry, mc)

	docs := &mockQuerier{result: &models.AggregateQueryResult{
		Documents: []models.Document{{
			Tenant:     "BR",
			Branch:     "01",
			Number:     "000123",
			TotalValue: decimal.RequireFromString("1500.50"),
			Items:      []models.LineItem{},
			Levels:     []models.ApprovalLevel{},
			Status:     models.DocumentReleased,
		}},
		HasErrors:           true,
		Errors:              []models.TenantError{{Country: "CL", Message: "query timed out after 30s"}},
		SuccessfulCountries: []string{"BR"},
	}}

	keys := newMockKeys()
	deps := api.Dependencies{
		Auth:      mw.NewAuth(keys),
		RateLimit: mw.NewRateLimit(mc, rateLimit),

		LiveHandler:   handler.NewLiveHandler(),
		ReadyHandler:  handler.NewReadyHandler(opts.db),
		HealthHandler: handler.NewHealthHandler(opts.db, opts.cache, "test", time.Now()),

		QueryDocuments: handler.NewQueryDocumentsHandler(docs),

		GetWorkflow:   handler.NewGetWorkflowHandler(engine),
		StartWorkflow: handler.NewStartWorkflowHandler(engine),
		Submit:        handler.NewSubmitHandler(engine),
		Approve:       handler.NewApproveHandler(engine),
		Reject:        handler.NewRejectHandler(engine),
		SendBack:      handler.NewSendBackHandler(engine),
		Bulk:          handler.NewBulkHandler(coordinator),

		ListTenants:      handler.NewListTenantsHandler(tenants),
		CreateTenant:     handler.NewCreateTenantHandler(tenants),
		GetTenant:        handler.NewGetTenantHandler(tenants),
		UpdateTenant:     handler.NewUpdateTenantHandler(tenants),
		DeactivateTenant: handler.NewDeactivateTenantHandler(tenants),
		TestConnection:   handler.NewTestConnectionHandler(tenants),

		ListTemplates: handler.NewListTemplatesHandler(repo),
		GetTemplate:   handler.NewGetTemplateHandler(repo),
		PutTemplate:   handler.NewPutTemplateHandler(repo),

		CreateAPIKey: handler.NewCreateAPIKeyHandler(keys),
		ListAPIKeys:  handler.NewListAPIKeysHandler(keys),
		RevokeAPIKey: handler.NewRevokeAPIKeyHandler(keys),
	}

	srv := httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(srv.Close)

	return &testServer{server: srv, engine: engine, tenants: ts, docs: docs, keys: keys}
}

func (ts *testServer) request(key, method, path string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, ts.server.URL+path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (ts *testServer) do(t *testing.T, key, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(ts.request(key, method, path, body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var parsed map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return resp, parsed
}

func (ts *testServer) start(t *testing.T, number, template string) {
	t.Helper()
	_, err := ts.engine.Start(context.Background(), docRef(number), template, models.Identity{ID: "buyer"})
	require.NoError(t, err)
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	return errObj["code"].(string)
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "expected data envelope, got %v", body)
	return d
}

// ─── health ──────────────────────────────────────────────────────────────────

func TestHealth_200_Healthy(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "", "GET", "/health", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "up", checks["database"].(map[string]any)["status"])
	assert.Equal(t, "up", checks["cache"].(map[string]any)["status"])
	assert.Contains(t, checks, "memory")
}

func TestHealth_503_DatabaseDown(t *testing.T) {
	ts := newTestServerWith(t, serverOptions{db: mockPinger{err: errors.New("connection refused")}, cache: mockPinger{}})

	resp, body := ts.do(t, "", "GET", "/health", nil)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["status"])
	db := body["checks"].(map[string]any)["database"].(map[string]any)
	assert.Equal(t, "down", db["status"])
	assert.Equal(t, "connection refused", db["message"])
}

func TestHealth_200_DegradedWhenCacheDown(t *testing.T) {
	ts := newTestServerWith(t, serverOptions{db: mockPinger{}, cache: mockPinger{err: errors.New("timeout")}})

	resp, body := ts.do(t, "", "GET", "/health", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}

func TestHealth_LiveAndReady(t *testing.T) {
	ts := newTestServerWith(t, serverOptions{db: mockPinger{err: errors.New("down")}, cache: mockPinger{}})

	resp, body := ts.do(t, "", "GET", "/health/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alive", body["status"])

	resp, body = ts.do(t, "", "GET", "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, body["ready"])
	assert.Equal(t, false, body["checks"].(map[string]any)["database"])
}

// ─── documents ───────────────────────────────────────────────────────────────

func TestQueryDocuments_200_PartialFailureShape(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, viewerKey, "POST", "/api/v1/documents/query", map[string]any{
		"conditions": []map[string]any{{"field": "C7_NUM", "operator": "eq", "value": "000123"}},
		"countries":  []string{"BR", "CL"},
		"pageSize":   50,
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, body, "data", "document queries are not enveloped")
	assert.Equal(t, true, body["hasErrors"])
	assert.Equal(t, []any{"BR"}, body["successfulCountries"])

	docs := body["documentos"].([]any)
	require.Len(t, docs, 1)
	doc := docs[0].(map[string]any)
	assert.Equal(t, "BR", doc["country"])
	assert.Equal(t, "1500.5", doc["totalValue"])

	errs := body["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Equal(t, "CL", errs[0].(map[string]any)["country"])

	assert.Equal(t, []string{"BR", "CL"}, ts.docs.spec.Countries)
	assert.Equal(t, 50, ts.docs.spec.PageSize)
}

func TestQueryDocuments_400_Validation(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, viewerKey, "POST", "/api/v1/documents/query", map[string]any{"page": -1})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, body))
}

func TestQueryDocuments_400_InvalidJSON(t *testing.T) {
	ts := newTestServer(t)

	req := ts.request(viewerKey, "POST", "/api/v1/documents/query", nil)
	req.Body = http.NoBody
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─── workflows ───────────────────────────────────────────────────────────────

func TestStartWorkflow_201(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/workflows", map[string]any{
		"id":         "BR:01:000123",
		"templateId": "po",
	})

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	d := data(t, body)
	assert.Equal(t, "pending_at_level", d["state"].(map[string]any)["kind"])
	assert.Equal(t, float64(1), d["state"].(map[string]any)["level"])
	assert.Equal(t, true, d["canAct"])
	assert.Equal(t, "caller", d["callerMatch"])
}

func TestStartWorkflow_400_BadDocumentID(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/workflows", map[string]any{
		"id":         "not-a-ref",
		"templateId": "po",
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_DOCUMENT_ID", errorCode(t, body))
}

func TestGetWorkflow_200_CallerView(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "000123", "po")

	resp, body := ts.do(t, bobKey, "GET", "/api/v1/workflows/BR:01:000123", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	d := data(t, body)
	assert.Equal(t, "pending", d["status"])
	assert.Equal(t, false, d["canAct"], "bob approves level 2 only")
	assert.Len(t, d["levels"].([]any), 2)
}

func TestGetWorkflow_404_Unknown(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, aliceKey, "GET", "/api/v1/workflows/BR:01:999999", nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "RESOURCE_NOT_FOUND", errorCode(t, body))
}

func TestApprove_200_AdvancesToNextLevel(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "000123", "po")

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/workflows/BR:01:000123/approve", map[string]any{
		"level":   1,
		"comment": "ok",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	d := data(t, body)
	assert.Equal(t, float64(2), d["state"].(map[string]any)["level"])
	assert.Equal(t, float64(2), d["version"])

	resp, body = ts.do(t, bobKey, "POST", "/api/v1/workflows/BR:01:000123/approve", map[string]any{"level": 2})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", data(t, body)["state"].(map[string]any)["kind"])
}

func TestApprove_409_StaleLevel(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "000123", "po")
	_, err := ts.engine.Approve(context.Background(), docRef("000123"), 1, alice, "")
	require.NoError(t, err)

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/workflows/BR:01:000123/approve", map[string]any{"level": 1})

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", errorCode(t, body))
}

func TestApprove_403_NotAnApprover(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "000123", "po")

	resp, body := ts.do(t, bobKey, "POST", "/api/v1/workflows/BR:01:000123/approve", map[string]any{"level": 1})

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errorCode(t, body))
}

func TestApprove_422_MisroutedTemplate(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "000123", "misrouted")

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/workflows/BR:01:000123/approve", map[string]any{"level": 1})

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "CONFIGURATION_ERROR", errorCode(t, body))

	inst, err := ts.engine.Get(context.Background(), docRef("000123"))
	require.NoError(t, err)
	assert.True(t, inst.State.IsPendingAt(1), "failed transition must not persist")
}

func TestApprove_400_MissingLevel(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "000123", "po")

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/workflows/BR:01:000123/approve", map[string]any{})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, body))
}

func TestReject_200_Terminal(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "000123", "po")

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/workflows/BR:01:000123/reject", map[string]any{
		"level":   1,
		"comment": "price too high",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	d := data(t, body)
	assert.Equal(t, "rejected", d["state"].(map[string]any)["kind"])
	assert.Equal(t, false, d["canAct"])
}

func TestSendBack_200_ReturnsToLevel(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "000123", "po")
	_, err := ts.engine.Approve(context.Background(), docRef("000123"), 1, alice, "")
	require.NoError(t, err)

	resp, body := ts.do(t, bobKey, "POST", "/api/v1/workflows/BR:01:000123/send-back", map[string]any{
		"targetLevel": 1,
		"reason":      "missing quote",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	d := data(t, body)
	assert.Equal(t, float64(1), d["state"].(map[string]any)["level"])
	assert.Equal(t, "missing quote", d["lastSendBack"].(map[string]any)["reason"])
}

func TestSendBack_400_MissingReason(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "000123", "po")

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/workflows/BR:01:000123/send-back", map[string]any{"targetLevel": 0})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, body))
}

// ─── bulk ────────────────────────────────────────────────────────────────────

func TestBulk_200_PerItemOutcomes(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "D1", "po")
	ts.start(t, "D2", "po")
	_, err := ts.engine.Approve(context.Background(), docRef("D2"), 1, alice, "")
	require.NoError(t, err)

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/bulk", map[string]any{
		"action": "approve",
		"ids":    []string{"BR:01:D1", "BR:01:D2", "garbage"},
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	d := data(t, body)
	assert.Equal(t, []any{"BR:01:D1"}, d["succeeded"])
	failed := d["failed"].([]any)
	require.Len(t, failed, 2)
	assert.Equal(t, "BR:01:D2", failed[0].(map[string]any)["id"])
	assert.Equal(t, "garbage", failed[1].(map[string]any)["id"])
}

func TestBulk_400_RejectWithoutComment(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "D1", "po")

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/bulk", map[string]any{
		"action": "reject",
		"ids":    []string{"BR:01:D1"},
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, body))

	inst, err := ts.engine.Get(context.Background(), docRef("D1"))
	require.NoError(t, err)
	assert.True(t, inst.State.IsPendingAt(1))
}

// ─── tenant admin ────────────────────────────────────────────────────────────

func tenantBody(code string) map[string]any {
	return map[string]any{
		"code":        code,
		"name":        "Brasil",
		"tableSuffix": "010",
		"dbHost":      "db.br.internal",
		"dbPort":      5432,
		"dbDatabase":  "erp",
		"dbUsername":  "erp_ro",
		"dbPassword":  "db-secret",
		"apiBaseUrl":  "https://erp.br.example.com/rest",
		"apiUsername": "portal",
		"apiPassword": "api-secret",
	}
}

func TestCreateTenant_201_MasksSecrets(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/admin/tenants", tenantBody("br"))

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	d := data(t, body)
	assert.Equal(t, "BR", d["code"])
	assert.Equal(t, models.SecretMask, d["dbPassword"])
	assert.Equal(t, models.SecretMask, d["apiPassword"])
	assert.Equal(t, float64(30), d["apiTimeout"])

	stored, err := ts.tenants.GetTenant(context.Background(), "BR")
	require.NoError(t, err)
	assert.NotContains(t, string(stored.DB.PasswordEnc), "db-secret")
}

func TestCreateTenant_409_Duplicate(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, aliceKey, "POST", "/api/v1/admin/tenants", tenantBody("BR"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/admin/tenants", tenantBody("BR"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", errorCode(t, body))
}

func TestCreateTenant_400_InvalidCode(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/admin/tenants", tenantBody("BRASIL"))

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, body))
}

func TestListTenants_DoesNotExposePasswords(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, aliceKey, "POST", "/api/v1/admin/tenants", tenantBody("BR"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req := ts.request(aliceKey, "GET", "/api/v1/admin/tenants", nil)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(raw.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, raw.StatusCode)
	assert.NotContains(t, buf.String(), "db-secret")
	assert.NotContains(t, buf.String(), "api-secret")
	assert.Contains(t, buf.String(), `"meta"`)
}

func TestUpdateTenant_KeepsOmittedPassword(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, aliceKey, "POST", "/api/v1/admin/tenants", tenantBody("BR"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	before, err := ts.tenants.GetTenant(context.Background(), "BR")
	require.NoError(t, err)

	update := tenantBody("BR")
	delete(update, "dbPassword")
	update["name"] = "Brasil Matriz"
	resp, body := ts.do(t, aliceKey, "PUT", "/api/v1/admin/tenants/br", update)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Brasil Matriz", data(t, body)["name"])
	after, err := ts.tenants.GetTenant(context.Background(), "BR")
	require.NoError(t, err)
	assert.Equal(t, before.DB.PasswordEnc, after.DB.PasswordEnc)
}

func TestDeactivateTenant_200(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, aliceKey, "POST", "/api/v1/admin/tenants", tenantBody("BR"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/admin/tenants/BR/deactivate", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, data(t, body)["isActive"])

	resp, body = ts.do(t, aliceKey, "GET", "/api/v1/admin/tenants/BR", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, data(t, body)["isActive"])
}

func TestGetTenant_404_Unknown(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, aliceKey, "GET", "/api/v1/admin/tenants/ZZ", nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "RESOURCE_NOT_FOUND", errorCode(t, body))
}

func TestTestConnection_ReportsFailureWithoutPersisting(t *testing.T) {
	ts := newTestServer(t)
	body := tenantBody("BR")
	delete(body, "dbHost")

	resp, parsed := ts.do(t, aliceKey, "POST", "/api/v1/admin/tenants/test-connection", body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, parsed["success"])
	assert.NotEmpty(t, parsed["message"])

	_, err := ts.tenants.GetTenant(context.Background(), "BR")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// ─── templates ───────────────────────────────────────────────────────────────

func contractTemplate() map[string]any {
	return map[string]any{
		"name": "Contracts",
		"levels": []map[string]any{
			{"order": 1, "approverId": bob.ID, "approverName": bob.Name},
			{"order": 2, "groups": []string{"diretoria"}},
		},
	}
}

func TestPutTemplate_200_ThenUsableByStart(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, aliceKey, "PUT", "/api/v1/admin/templates/contract", contractTemplate())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "contract", data(t, body)["id"])

	resp, body = ts.do(t, aliceKey, "GET", "/api/v1/admin/templates/contract", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, data(t, body)["levels"], 2)

	resp, body = ts.do(t, bobKey, "POST", "/api/v1/workflows", map[string]any{
		"id":         "BR:01:000777",
		"templateId": "contract",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, data(t, body)["canAct"])
}

func TestListTemplates_SortedByID(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, aliceKey, "GET", "/api/v1/admin/templates", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["data"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "misrouted", items[0].(map[string]any)["id"])
	assert.Equal(t, "po", items[1].(map[string]any)["id"])
	assert.Equal(t, float64(2), body["meta"].(map[string]any)["total"])
}

func TestPutTemplate_Rejections(t *testing.T) {
	unrouted := contractTemplate()
	unrouted["levels"] = []map[string]any{{"order": 1, "approverId": "bob", "next": 5}}
	nobody := contractTemplate()
	nobody["levels"] = []map[string]any{{"order": 1}}
	unnamed := contractTemplate()
	delete(unnamed, "name")

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"route to unknown level", unrouted, http.StatusUnprocessableEntity, "CONFIGURATION_ERROR"},
		{"level nobody can act on", nobody, http.StatusUnprocessableEntity, "CONFIGURATION_ERROR"},
		{"missing name", unnamed, http.StatusBadRequest, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)

			resp, body := ts.do(t, aliceKey, "PUT", "/api/v1/admin/templates/contract", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(t, body))

			resp, _ = ts.do(t, aliceKey, "GET", "/api/v1/admin/templates/contract", nil)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		})
	}
}

// ─── api keys ────────────────────────────────────────────────────────────────

func TestAPIKeys_IssueUseRevoke(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, aliceKey, "POST", "/api/v1/admin/api-keys", map[string]any{
		"actorId":   "carol",
		"actorName": "Carol",
		"name":      "carol laptop",
		"scopes":    []string{mw.ScopeApprove},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	issued := data(t, body)
	secret := issued["secret"].(string)
	assert.True(t, strings.HasPrefix(secret, "ah_"))
	assert.Equal(t, secret[:8], issued["key_prefix"])
	assert.NotContains(t, issued, "key_hash")
	assert.NotContains(t, issued, "KeyHash")

	// The new key authenticates as carol.
	resp, body = ts.do(t, secret, "GET", "/api/v1/workflows/BR:01:000404", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "RESOURCE_NOT_FOUND", errorCode(t, body))

	resp, body = ts.do(t, aliceKey, "GET", "/api/v1/admin/api-keys?actorId=carol", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["data"], 1)

	revoke, err := http.DefaultClient.Do(ts.request(aliceKey, "DELETE", "/api/v1/admin/api-keys/"+issued["id"].(string), nil))
	require.NoError(t, err)
	revoke.Body.Close()
	assert.Equal(t, http.StatusNoContent, revoke.StatusCode)

	resp, body = ts.do(t, secret, "GET", "/api/v1/workflows/BR:01:000404", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, body))

	resp, body = ts.do(t, aliceKey, "DELETE", "/api/v1/admin/api-keys/"+issued["id"].(string), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "RESOURCE_NOT_FOUND", errorCode(t, body))
}

func TestAPIKeys_Rejections(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown scope", "POST", "/api/v1/admin/api-keys", map[string]any{"actorId": "carol", "scopes": []string{"root"}}, http.StatusBadRequest},
		{"missing actor", "POST", "/api/v1/admin/api-keys", map[string]any{"scopes": []string{"approve"}}, http.StatusBadRequest},
		{"list without actor", "GET", "/api/v1/admin/api-keys", nil, http.StatusBadRequest},
		{"revoke bad id", "DELETE", "/api/v1/admin/api-keys/not-a-uuid", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, aliceKey, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Contains(t, body, "error")
		})
	}
}

// ─── auth, scopes, rate limit ────────────────────────────────────────────────

func TestAuth_AllProtectedEndpoints_Reject401(t *testing.T) {
	ts := newTestServer(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/documents/query"},
		{"GET", "/api/v1/workflows/BR:01:000123"},
		{"POST", "/api/v1/workflows"},
		{"POST", "/api/v1/workflows/BR:01:000123/submit"},
		{"POST", "/api/v1/workflows/BR:01:000123/approve"},
		{"POST", "/api/v1/workflows/BR:01:000123/reject"},
		{"POST", "/api/v1/workflows/BR:01:000123/send-back"},
		{"POST", "/api/v1/bulk"},
		{"GET", "/api/v1/admin/tenants"},
		{"POST", "/api/v1/admin/tenants"},
		{"GET", "/api/v1/admin/tenants/BR"},
		{"PUT", "/api/v1/admin/tenants/BR"},
		{"POST", "/api/v1/admin/tenants/BR/deactivate"},
		{"POST", "/api/v1/admin/tenants/test-connection"},
		{"GET", "/api/v1/admin/templates"},
		{"GET", "/api/v1/admin/templates/po"},
		{"PUT", "/api/v1/admin/templates/po"},
		{"GET", "/api/v1/admin/api-keys?actorId=bob"},
		{"POST", "/api/v1/admin/api-keys"},
		{"DELETE", "/api/v1/admin/api-keys/" + uuid.NewString()},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			resp, body := ts.do(t, "", ep.method, ep.path, nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "INVALID_TOKEN", errorCode(t, body))
		})
	}
}

func TestAuth_InvalidBearerToken(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "ah_alice_wrong_secret", "GET", "/api/v1/workflows/BR:01:000123", nil)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, body))
}

func TestScopes_403(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		key    string
		method string
		path   string
	}{
		{"viewer cannot approve", viewerKey, "POST", "/api/v1/workflows/BR:01:000123/approve"},
		{"viewer cannot bulk", viewerKey, "POST", "/api/v1/bulk"},
		{"approver cannot list tenants", bobKey, "GET", "/api/v1/admin/tenants"},
		{"approver cannot create tenants", bobKey, "POST", "/api/v1/admin/tenants"},
		{"approver cannot edit templates", bobKey, "PUT", "/api/v1/admin/templates/po"},
		{"approver cannot issue keys", bobKey, "POST", "/api/v1/admin/api-keys"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, tt.key, tt.method, tt.path, map[string]any{})
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
			assert.Equal(t, "FORBIDDEN", errorCode(t, body))
		})
	}
}

func TestRateLimit_Headers_Present(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "000123", "po")

	resp, _ := ts.do(t, aliceKey, "GET", "/api/v1/workflows/BR:01:000123", nil)

	assert.Equal(t, fmt.Sprint(rateLimit), resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
}

func TestRateLimit_429_Exceeded(t *testing.T) {
	ts := newTestServer(t)
	ts.start(t, "000123", "po")

	for i := 0; i < rateLimit; i++ {
		resp, _ := ts.do(t, viewerKey, "GET", "/api/v1/workflows/BR:01:000123", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
	}

	resp, body := ts.do(t, viewerKey, "GET", "/api/v1/workflows/BR:01:000123", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errorCode(t, body))
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	// Limits are per key.
	resp, _ = ts.do(t, aliceKey, "GET", "/api/v1/workflows/BR:01:000123", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// ─── response format ─────────────────────────────────────────────────────────

func TestResponseFormat_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, aliceKey, "GET", "/api/v1/workflows/BR:01:404", nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	errObj := body["error"].(map[string]any)
	assert.Contains(t, errObj, "code")
	assert.True(t, strings.Contains(errObj["message"].(string), "BR:01:404"))
}
