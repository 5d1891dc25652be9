package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/feed"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/identity"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/materialize"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/metrics"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/policy"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/ratelimit"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/risk"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/stream"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/territory"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

func testRecords(n int) []models.ClaimRecord {
	recs := make([]models.ClaimRecord, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, models.ClaimRecord{
			PolicyNumber: fmt.Sprintf("PN-%04d", i),
			Age:          30 + i%40,
			Occupation:   "sales",
			HasClaim:     i%2 == 0,
			ClaimAmount:  float64(1000 + i*500),
		})
	}
	return recs
}

func newTestServer(t *testing.T, n int) *Server {
	t.Helper()
	mat := materialize.New(materialize.Config{
		ViewName: "test_view",
		Scoring:  risk.DefaultConfig(),
	}, &feed.StaticSource{Records: testRecords(n)})
	done := mat.Refresh(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("materialization did not complete")
	}
	territories := territory.NewStore()
	territories.Replace(territory.NewMapping(map[string][]models.TerritoryTag{
		"reinsurer_all": {models.AllStates},
	}))
	return &Server{
		Materializer:        mat,
		Engine:              policy.NewEngine(policy.DefaultConfig()),
		Territories:         territories,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Limiter:             ratelimit.NewInMemory(time.Minute),
		QueryLimit:          100,
		MaxRequestBodyBytes: 1 << 20,
	}
}

func testRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(s.limitRequestBodyMiddleware)
	api := chi.NewRouter()
	api.Use(identity.Middleware("headers", ""))
	api.Post("/v1/query", s.handleQuery)
	api.Post("/v1/refresh", s.handleRefresh)
	api.Get("/v1/staleness", s.handleStaleness)
	api.Get("/v1/snapshot", s.handleSnapshot)
	api.Get("/v1/territories", s.handleListTerritories)
	api.Put("/v1/territories/{account}", s.handlePutTerritory)
	api.Delete("/v1/territories/{account}", s.handleDeleteTerritory)
	api.Get("/v1/events", s.streamEvents)
	r.Mount("/", api)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, role, account string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		req.Header.Set(identity.HeaderRole, role)
	}
	if account != "" {
		req.Header.Set(identity.HeaderAccount, account)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestQueryPrivileged(t *testing.T) {
	s := newTestServer(t, 30)
	h := testRouter(s)
	rec := doJSON(t, h, http.MethodPost, "/v1/query", "ACCOUNTADMIN", "", models.QueryShape{
		Columns: []string{models.ColPolicyNumber, models.ColClaimAmount, models.ColFraudReported},
	})
	if rec.Code != 200 {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var res models.GovernedResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Rows) != 30 {
		t.Fatalf("expected 30 rows, got %d", len(res.Rows))
	}
	if res.SnapshotVersion != 1 {
		t.Fatalf("expected snapshot version 1, got %d", res.SnapshotVersion)
	}
	snap := s.Metrics.Snapshot()
	if snap.QueriesByClass["PRIVILEGED"] != 1 {
		t.Fatalf("expected privileged query counted, got %+v", snap.QueriesByClass)
	}
}

func TestQueryGatedColumnRejected(t *testing.T) {
	s := newTestServer(t, 30)
	h := testRouter(s)
	rec := doJSON(t, h, http.MethodPost, "/v1/query", "PARTNER", "reinsurer_all", models.QueryShape{
		Columns: []string{models.ColPolicyNumber, models.ColFraudReported},
	})
	if rec.Code != 403 {
		t.Fatalf("expected 403, got %d body=%s", rec.Code, rec.Body.String())
	}
	if s.Metrics.Snapshot().Rejections["unauthorized_projection"] != 1 {
		t.Fatal("expected rejection counted")
	}
}

func TestQueryUnknownColumnRejected(t *testing.T) {
	s := newTestServer(t, 5)
	h := testRouter(s)
	rec := doJSON(t, h, http.MethodPost, "/v1/query", "ACCOUNTADMIN", "", models.QueryShape{
		Columns: []string{"no_such_column"},
	})
	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestQueryWithoutIdentity(t *testing.T) {
	s := newTestServer(t, 5)
	h := testRouter(s)
	rec := doJSON(t, h, http.MethodPost, "/v1/query", "", "", models.QueryShape{})
	if rec.Code != 401 {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestQueryNoSnapshot(t *testing.T) {
	mat := materialize.New(materialize.Config{ViewName: "empty"}, &feed.StaticSource{})
	s := &Server{
		Materializer: mat,
		Engine:       policy.NewEngine(policy.DefaultConfig()),
		Territories:  territory.NewStore(),
		Metrics:      metrics.NewRegistry(),
		Events:       stream.NewHub(),
	}
	h := testRouter(s)
	rec := doJSON(t, h, http.MethodPost, "/v1/query", "ACCOUNTADMIN", "", models.QueryShape{})
	if rec.Code != 503 {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestQueryRateLimited(t *testing.T) {
	s := newTestServer(t, 5)
	s.QueryLimit = 1
	h := testRouter(s)
	if rec := doJSON(t, h, http.MethodPost, "/v1/query", "PARTNER", "reinsurer_all", models.QueryShape{}); rec.Code != 200 {
		t.Fatalf("first query should pass, got %d", rec.Code)
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/query", "PARTNER", "reinsurer_all", models.QueryShape{})
	if rec.Code != 429 {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	// A different account has its own window.
	s.Territories.Upsert("other_org", []models.TerritoryTag{models.AllStates})
	if rec := doJSON(t, h, http.MethodPost, "/v1/query", "PARTNER", "other_org", models.QueryShape{}); rec.Code != 200 {
		t.Fatalf("other account should pass, got %d", rec.Code)
	}
}

func TestRefreshAcceptedAndPrivilegedOnly(t *testing.T) {
	s := newTestServer(t, 5)
	h := testRouter(s)
	rec := doJSON(t, h, http.MethodPost, "/v1/refresh", "ACCOUNTADMIN", "", nil)
	if rec.Code != 202 {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodPost, "/v1/refresh", "PARTNER", "reinsurer_all", nil)
	if rec.Code != 403 {
		t.Fatalf("expected 403 for external identity, got %d", rec.Code)
	}
}

func TestStaleness(t *testing.T) {
	s := newTestServer(t, 5)
	h := testRouter(s)
	rec := doJSON(t, h, http.MethodGet, "/v1/staleness", "PARTNER", "reinsurer_all", nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status models.RefreshStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.State != materialize.StateStable || status.Version != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestSnapshotPrivilegedOnly(t *testing.T) {
	s := newTestServer(t, 5)
	h := testRouter(s)
	if rec := doJSON(t, h, http.MethodGet, "/v1/snapshot", "PARTNER", "reinsurer_all", nil); rec.Code != 403 {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec := doJSON(t, h, http.MethodGet, "/v1/snapshot", "INSURANCE_ANALYST", "", nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap models.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(snap.Rows))
	}
}

func TestTerritoryRoundTrip(t *testing.T) {
	s := newTestServer(t, 5)
	h := testRouter(s)

	rec := doJSON(t, h, http.MethodPut, "/v1/territories/new_partner", "ACCOUNTADMIN", "", map[string]any{
		"territories": []string{"OH", "NY"},
	})
	if rec.Code != 200 {
		t.Fatalf("put failed: %d body=%s", rec.Code, rec.Body.String())
	}
	var put struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &put); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if put.Account != "NEW_PARTNER" {
		t.Fatalf("response must echo the normalized account, got %q", put.Account)
	}
	if !s.Territories.Current().Visible("new_partner", "OH") {
		t.Fatal("expected OH visible after upsert")
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/territories", "ACCOUNTADMIN", "", nil)
	if rec.Code != 200 {
		t.Fatalf("list failed: %d", rec.Code)
	}
	var listed struct {
		Mappings map[string][]models.TerritoryTag `json:"mappings"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Mappings["NEW_PARTNER"]) != 2 {
		t.Fatalf("unexpected listing: %+v", listed.Mappings)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/territories/new_partner", "ACCOUNTADMIN", "", nil)
	if rec.Code != 200 {
		t.Fatalf("delete failed: %d", rec.Code)
	}
	if s.Territories.Current().Visible("new_partner", "OH") {
		t.Fatal("expected mapping removed")
	}

	if rec := doJSON(t, h, http.MethodPut, "/v1/territories/x", "PARTNER", "reinsurer_all", map[string]any{}); rec.Code != 403 {
		t.Fatalf("external identity must not write mappings, got %d", rec.Code)
	}
}

func TestStreamEvents(t *testing.T) {
	s := newTestServer(t, 5)
	srv := httptest.NewServer(testRouter(s))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			identity.HeaderRole: []string{"ACCOUNTADMIN"},
		},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready stream.Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != "ready" {
		t.Fatalf("expected ready event, got %q", ready.Type)
	}

	s.Events.Publish(stream.NewEvent(materialize.EventRefreshCompleted, map[string]any{"version": 2}))
	var evt stream.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != materialize.EventRefreshCompleted {
		t.Fatalf("unexpected event: %q", evt.Type)
	}
}

func TestTrackRefreshes(t *testing.T) {
	s := newTestServer(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.trackRefreshes(ctx)
	time.Sleep(10 * time.Millisecond)

	s.Events.Publish(stream.NewEvent(materialize.EventRefreshCompleted, nil))
	s.Events.Publish(stream.NewEvent(materialize.EventRefreshFailed, nil))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap := s.Metrics.Snapshot()
		if snap.RefreshSuccessTotal == 1 && snap.RefreshFailureTotal == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("refresh counters not tracked: %+v", s.Metrics.Snapshot())
}

func TestRunGovernanceHeaderIdentityForbiddenInProduction(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("IDENTITY_MODE", "headers")
	t.Setenv("ALLOW_HEADER_IDENTITY", "false")
	err := runGovernance(nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "IDENTITY_MODE=headers") {
		t.Fatalf("expected header identity guard, got %v", err)
	}
}

func TestRunGovernanceServes(t *testing.T) {
	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"policy_number":"PN-1","age":40}]`))
	}))
	defer feedSrv.Close()

	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("IDENTITY_MODE", "headers")
	t.Setenv("DATABASE_ENABLED", "false")
	t.Setenv("FEED_SOURCE", "http")
	t.Setenv("FEED_URL", feedSrv.URL)
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("TERRITORY_MAPPINGS", "reinsurer_oh=OH,reinsurer_all=ALL_STATES")

	var handler http.Handler
	listen := func(server *http.Server) error {
		handler = server.Handler
		return nil
	}
	if err := runGovernance(nil, nil, listen); err != nil {
		t.Fatalf("runGovernance: %v", err)
	}
	if handler == nil {
		t.Fatal("expected configured handler")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != 200 {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

func TestRunGovernancePostgresFeedRequiresDB(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("DATABASE_ENABLED", "false")
	t.Setenv("FEED_SOURCE", "postgres")
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	err := runGovernance(nil, nil, func(*http.Server) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "FEED_SOURCE=postgres") {
		t.Fatalf("expected feed source error, got %v", err)
	}
}

func TestParseMappingSpec(t *testing.T) {
	pairs := parseMappingSpec("a=OH|NY, b=ALL_STATES, ,broken, c=")
	if len(pairs) != 3 {
		t.Fatalf("expected 3 accounts, got %d (%#v)", len(pairs), pairs)
	}
	if len(pairs["a"]) != 2 || pairs["a"][0] != "OH" {
		t.Fatalf("unexpected tags for a: %+v", pairs["a"])
	}
	if len(pairs["c"]) != 0 {
		t.Fatalf("expected empty tags for c, got %+v", pairs["c"])
	}
}

func TestPolicyConfigFromEnv(t *testing.T) {
	t.Setenv("PRIVILEGED_ROLES", "ADMIN, AUDITOR")
	t.Setenv("MASK_BUCKET_WIDTH", "5000")
	t.Setenv("MIN_GROUP_SIZE", "10")
	cfg := policyConfigFromEnv()
	if len(cfg.PrivilegedRoles) != 2 || cfg.PrivilegedRoles[1] != "AUDITOR" {
		t.Fatalf("unexpected roles: %+v", cfg.PrivilegedRoles)
	}
	if cfg.MaskBucketWidth != 5000 || cfg.MinGroupSize != 10 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
