package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/audit"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/feed"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/hardening"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/httpx"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/identity"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/materialize"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/metrics"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/policy"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/ratelimit"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/risk"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/store"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/stream"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/telemetry"
	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/territory"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type governanceDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Server struct {
	Materializer *materialize.Materializer
	Engine       *policy.Engine
	Territories  *territory.Store
	Mappings     *store.MappingSource
	Audit        *audit.Writer
	Metrics      *metrics.Registry
	Events       *stream.Hub
	Limiter      ratelimit.Limiter
	QueryLimit   int

	MaxRequestBodyBytes int64
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (governanceDB, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runGovernance(initTelemetryFn, openDBFn, listenFn); err != nil {
		logFatalf("governance: %v", err)
	}
}

func runGovernance(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (governanceDB, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (governanceDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "governance")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	identityMode := env("IDENTITY_MODE", "headers")
	identitySecret := env("IDENTITY_HS256_SECRET", "")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(identityMode, "headers") && isProductionLikeEnv(runtimeEnv) {
		if env("ALLOW_HEADER_IDENTITY", "false") != "true" {
			return errors.New("IDENTITY_MODE=headers is forbidden in production-like environments unless ALLOW_HEADER_IDENTITY=true")
		}
	}
	var requiredSecrets []hardening.EnvRequirement
	if strings.EqualFold(identityMode, "hs256") {
		requiredSecrets = append(requiredSecrets, hardening.EnvRequirement{Name: "IDENTITY_HS256_SECRET", Value: identitySecret})
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:                "governance",
		Environment:            runtimeEnv,
		StrictProdSecurity:     env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:     env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:              env("REDIS_ADDR", ""),
		RedisRequireTLS:        env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:       env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS:  env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:     env("CORS_ALLOWED_ORIGINS", ""),
		AuditRedactEnabled:     env("AUDIT_REDACT_ACCOUNTS", "true"),
		AuditHashSalt:          env("AUDIT_HASH_SALT", ""),
		RequiredServiceSecrets: requiredSecrets,
	}); err != nil {
		return err
	}

	redisClient, err := store.NewRedis(ctx)
	if err != nil {
		log.Printf("governance: redis unavailable, degrading to in-process cache: %v", err)
	}
	cache := store.NewCache(ctx, redisClient)

	var (
		db      governanceDB
		closeDB func()
	)
	if env("DATABASE_ENABLED", "true") == "true" {
		db, closeDB, err = openDB(ctx)
		if err != nil {
			return err
		}
		if closeDB != nil {
			defer closeDB()
		}
	}

	source, closeSource, err := buildFeedSource(ctx, db)
	if err != nil {
		return err
	}
	if closeSource != nil {
		defer closeSource()
	}

	hub := stream.NewHub()
	registry := metrics.NewRegistry()
	mat := materialize.New(materialize.Config{
		ViewName:      env("VIEW_NAME", "claims_risk_view"),
		StalenessLag:  envDurationSec("STALENESS_LAG_SEC", 4*3600),
		CheckInterval: envDurationSec("STALENESS_CHECK_INTERVAL_SEC", 60),
		RetryBackoff:  envDurationSec("REFRESH_RETRY_BACKOFF_SEC", 5),
		RetryMax:      envDurationSec("REFRESH_RETRY_MAX_SEC", 300),
		BuildLockTTL:  envDurationSec("BUILD_LOCK_TTL_SEC", 600),
		Scoring:       risk.DefaultConfig(),
	}, source, materialize.WithBuildLock(cache), materialize.WithEvents(hub))

	territories := territory.NewStore()
	var mappings *store.MappingSource
	if db != nil {
		mappings = &store.MappingSource{
			DB:       db,
			Cache:    cache,
			CacheTTL: envDurationSec("MAPPING_CACHE_TTL_SEC", 300),
		}
		if m, err := mappings.Load(ctx); err != nil {
			log.Printf("governance: territory mapping warmup failed: %v", err)
		} else {
			territories.Replace(m)
		}
	} else if raw := env("TERRITORY_MAPPINGS", ""); raw != "" {
		territories.Replace(territory.NewMapping(parseMappingSpec(raw)))
	}

	var auditWriter *audit.Writer
	if db != nil && env("AUDIT_ENABLED", "true") == "true" {
		auditWriter = &audit.Writer{
			DB:       db,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   env("AUDIT_REDACT_ACCOUNTS", "true") == "true",
		}
	}

	s := &Server{
		Materializer:        mat,
		Engine:              policy.NewEngine(policyConfigFromEnv()),
		Territories:         territories,
		Mappings:            mappings,
		Audit:               auditWriter,
		Metrics:             registry,
		Events:              hub,
		Limiter:             ratelimit.NewRedis(redisClient, envDurationSec("QUERY_RATE_WINDOW_SEC", 60)),
		QueryLimit:          envInt("QUERY_RATE_LIMIT", 120),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go mat.Run(runCtx)
	go s.trackRefreshes(runCtx)

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("governance"))
	r.Use(registry.Middleware)
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "governance"})
	})
	r.Get("/metrics", registry.Handler())

	api := chi.NewRouter()
	api.Use(identity.Middleware(identityMode, identitySecret))
	api.Post("/v1/query", s.handleQuery)
	api.Post("/v1/refresh", s.handleRefresh)
	api.Get("/v1/staleness", s.handleStaleness)
	api.Get("/v1/snapshot", s.handleSnapshot)
	api.Get("/v1/territories", s.handleListTerritories)
	api.Put("/v1/territories/{account}", s.handlePutTerritory)
	api.Delete("/v1/territories/{account}", s.handleDeleteTerritory)
	api.Get("/v1/events", s.streamEvents)
	r.Mount("/", api)

	addr := env("ADDR", ":8086")
	log.Printf("governance service listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func buildFeedSource(ctx context.Context, db governanceDB) (feed.Source, func(), error) {
	switch mode := env("FEED_SOURCE", "postgres"); mode {
	case "postgres":
		if db == nil {
			return nil, nil, errors.New("FEED_SOURCE=postgres requires DATABASE_ENABLED=true")
		}
		return &store.RecordSource{DB: db}, nil, nil
	case "kafka":
		src, err := feed.NewKafkaSource(feed.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   env("KAFKA_TOPIC", "governance.claims"),
			GroupID: env("KAFKA_GROUP_ID", "governance"),
		})
		if err != nil {
			return nil, nil, err
		}
		src.Start(ctx)
		return src, func() { _ = src.Close() }, nil
	case "http":
		src, err := feed.NewHTTPSource(feed.HTTPConfig{
			URL:        env("FEED_URL", ""),
			Retries:    envInt("FEED_RETRIES", 2),
			RetryDelay: envDurationSec("FEED_RETRY_DELAY_SEC", 1),
		})
		if err != nil {
			return nil, nil, err
		}
		return src, nil, nil
	default:
		return nil, nil, errors.New("unsupported FEED_SOURCE: " + mode)
	}
}

func policyConfigFromEnv() policy.Config {
	cfg := policy.DefaultConfig()
	if v := splitCSV(env("PRIVILEGED_ROLES", "")); len(v) > 0 {
		cfg.PrivilegedRoles = v
	}
	if v := splitCSV(env("GATED_COLUMNS", "")); len(v) > 0 {
		cfg.GatedColumns = v
	}
	if v := splitCSV(env("MASKED_COLUMNS", "")); len(v) > 0 {
		cfg.MaskedColumns = v
	}
	if v := envFloat("MASK_BUCKET_WIDTH", 0); v > 0 {
		cfg.MaskBucketWidth = v
	}
	if v := envInt("MIN_GROUP_SIZE", 0); v > 0 {
		cfg.MinGroupSize = v
	}
	return cfg
}

// parseMappingSpec reads "account=TAG|TAG,account2=TAG" into mapping pairs.
// Used only when no database backs the territory table.
func parseMappingSpec(raw string) map[string][]models.TerritoryTag {
	pairs := map[string][]models.TerritoryTag{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		account := strings.TrimSpace(kv[0])
		if account == "" {
			continue
		}
		var tags []models.TerritoryTag
		for _, t := range strings.Split(kv[1], "|") {
			t = strings.TrimSpace(t)
			if t != "" {
				tags = append(tags, models.TerritoryTag(t))
			}
		}
		pairs[account] = tags
	}
	return pairs
}

// trackRefreshes mirrors scheduler events into counters and gauges.
func (s *Server) trackRefreshes(ctx context.Context) {
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			switch evt.Type {
			case materialize.EventRefreshCompleted:
				s.Metrics.IncRefreshSuccess()
				status := s.Materializer.Status()
				s.Metrics.SetGauge("snapshot_version", float64(status.Version))
			case materialize.EventRefreshFailed:
				s.Metrics.IncRefreshFailure()
			}
		}
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.Error(w, 401, "identity required")
		return
	}
	raw, err := readBody(r)
	if err != nil {
		httpx.Error(w, 400, "invalid body")
		return
	}
	var q models.QueryShape
	if err := json.Unmarshal(raw, &q); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if s.Limiter != nil && s.QueryLimit > 0 {
		key := strings.ToUpper(strings.TrimSpace(id.Account))
		if key == "" {
			key = strings.ToUpper(strings.TrimSpace(id.Role))
		}
		if d := s.Limiter.Allow("query:"+key, s.QueryLimit); !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(d.ResetAt).Seconds())+1))
			s.Metrics.IncRejection("rate_limited")
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
	}
	snap := s.Materializer.Current()
	if snap == nil {
		httpx.Error(w, 503, "no materialization available")
		return
	}
	mapping := s.Territories.Current()

	started := time.Now()
	res, stats, err := s.Engine.Evaluate(snap, id, q, mapping)
	s.Metrics.ObserveEvalLatency(time.Since(started))
	s.Metrics.IncQuery(string(stats.Class))
	if err != nil {
		switch {
		case errors.Is(err, policy.ErrUnauthorizedProjection):
			s.Metrics.IncRejection("unauthorized_projection")
			s.appendAudit(r.Context(), id, stats, raw, 0, 0, audit.VerdictRejected, err.Error())
			httpx.Error(w, 403, err.Error())
		case errors.Is(err, policy.ErrUnknownColumn):
			s.Metrics.IncRejection("unknown_column")
			s.appendAudit(r.Context(), id, stats, raw, 0, 0, audit.VerdictRejected, err.Error())
			httpx.Error(w, 400, err.Error())
		default:
			internalServerError(w, "query", err)
		}
		return
	}
	s.Metrics.AddSuppressedGroups(stats.GroupsSuppressed)
	s.appendAudit(r.Context(), id, stats, raw, len(res.Rows), res.SnapshotVersion, audit.VerdictServed, "")
	httpx.WriteJSON(w, 200, res)
}

func (s *Server) appendAudit(ctx context.Context, id models.AccessorIdentity, stats policy.Stats, query json.RawMessage, rows int, version uint64, verdict, reason string) {
	if s.Audit == nil {
		return
	}
	err := s.Audit.Append(ctx, audit.Record{
		DecisionID:      uuid.NewString(),
		Role:            id.Role,
		Account:         id.Account,
		Class:           string(stats.Class),
		QueryRaw:        query,
		Verdict:         verdict,
		Reason:          reason,
		RowsReturned:    rows,
		SnapshotVersion: version,
	})
	if err != nil {
		log.Printf("governance audit append: %v", err)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.requirePrivileged(w, r) {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	// The build must outlive this request; tie it to the process, not to
	// r.Context(), which dies as soon as the 202 is written.
	if force {
		s.Materializer.ForceRefresh(context.Background())
	} else {
		s.Materializer.Refresh(context.Background())
	}
	httpx.WriteJSON(w, 202, map[string]any{"status": "accepted", "force": force})
}

func (s *Server) handleStaleness(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Materializer.Status())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.requirePrivileged(w, r) {
		return
	}
	snap := s.Materializer.Current()
	if snap == nil {
		httpx.Error(w, 503, "no materialization available")
		return
	}
	httpx.WriteJSON(w, 200, snap)
}

func (s *Server) handleListTerritories(w http.ResponseWriter, r *http.Request) {
	if !s.requirePrivileged(w, r) {
		return
	}
	mapping := s.Territories.Current()
	out := map[string][]models.TerritoryTag{}
	for _, account := range mapping.Accounts() {
		set, ok := mapping.Lookup(account)
		if !ok {
			continue
		}
		tags := make([]models.TerritoryTag, 0, len(set))
		for tag := range set {
			tags = append(tags, tag)
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
		out[account] = tags
	}
	httpx.WriteJSON(w, 200, map[string]any{"mappings": out})
}

func (s *Server) handlePutTerritory(w http.ResponseWriter, r *http.Request) {
	if !s.requirePrivileged(w, r) {
		return
	}
	account := territory.NormalizeAccount(chi.URLParam(r, "account"))
	if account == "" {
		httpx.Error(w, 400, "account required")
		return
	}
	var req struct {
		Territories []models.TerritoryTag `json:"territories"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if s.Mappings != nil {
		if err := s.Mappings.Save(r.Context(), account, req.Territories); err != nil {
			internalServerError(w, "territory save", err)
			return
		}
	}
	s.Territories.Upsert(account, req.Territories)
	httpx.WriteJSON(w, 200, map[string]any{"account": account, "territories": req.Territories})
}

func (s *Server) handleDeleteTerritory(w http.ResponseWriter, r *http.Request) {
	if !s.requirePrivileged(w, r) {
		return
	}
	account := territory.NormalizeAccount(chi.URLParam(r, "account"))
	if account == "" {
		httpx.Error(w, 400, "account required")
		return
	}
	if s.Mappings != nil {
		if err := s.Mappings.Save(r.Context(), account, nil); err != nil {
			internalServerError(w, "territory delete", err)
			return
		}
	}
	s.Territories.Delete(account)
	httpx.WriteJSON(w, 200, map[string]string{"status": "deleted"})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requirePrivileged(w, r) {
		return
	}
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// requirePrivileged guards operator surfaces. Query evaluation is the only
// endpoint external identities may hit.
func (s *Server) requirePrivileged(w http.ResponseWriter, r *http.Request) bool {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.Error(w, 401, "identity required")
		return false
	}
	if s.Engine.Classify(id, s.Territories.Current()) != policy.ClassPrivileged {
		httpx.Error(w, 403, "privileged role required")
		return false
	}
	return true
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("governance %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
