//go:build integration

package store

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
)

// Run with: go test -tags=integration -timeout 120s ./pkg/store/...
func TestRecordAndMappingSourcesWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	schema := `
		CREATE TABLE customers (
			policy_number TEXT PRIMARY KEY,
			age INT NOT NULL,
			sex TEXT NOT NULL DEFAULT '',
			education_level TEXT NOT NULL DEFAULT '',
			occupation TEXT NOT NULL DEFAULT '',
			policy_start_date TIMESTAMPTZ NOT NULL DEFAULT now(),
			policy_length_months INT NOT NULL DEFAULT 12,
			deductible DOUBLE PRECISION NOT NULL DEFAULT 0,
			annual_premium DOUBLE PRECISION NOT NULL DEFAULT 0
		);
		CREATE TABLE claims (
			policy_number TEXT PRIMARY KEY REFERENCES customers(policy_number),
			incident_date TIMESTAMPTZ,
			incident_type TEXT,
			incident_severity TEXT,
			authorities_contacted BOOLEAN,
			incident_hour INT,
			vehicles_involved INT,
			bodily_injuries INT,
			witnesses INT,
			police_report_available BOOLEAN,
			claim_amount DOUBLE PRECISION,
			fraud_reported BOOLEAN
		);
		CREATE TABLE territory_mappings (
			account TEXT NOT NULL,
			territory TEXT NOT NULL
		);
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	seed := `
		INSERT INTO customers (policy_number, age, occupation) VALUES
			('P-1', 22, 'teacher'),
			('P-2', 50, 'armed-forces');
		INSERT INTO claims (policy_number, incident_type, incident_severity, claim_amount, fraud_reported, witnesses)
			VALUES ('P-1', 'collision', 'Major Damage', 80000, true, 2);
		INSERT INTO territory_mappings (account, territory) VALUES
			('reinsurer_a', 'OH'),
			('reinsurer_a', 'IN'),
			('reinsurer_b', 'ALL_STATES');
	`
	if _, err := pool.Exec(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	records := &RecordSource{DB: pool}
	recs, err := records.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch records: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	byKey := map[string]models.ClaimRecord{}
	for _, rec := range recs {
		byKey[rec.PolicyNumber] = rec
	}
	if !byKey["P-1"].HasClaim || byKey["P-1"].ClaimAmount != 80000 || !byKey["P-1"].FraudReported {
		t.Fatalf("P-1 claim fields wrong: %+v", byKey["P-1"])
	}
	if byKey["P-2"].HasClaim || byKey["P-2"].ClaimAmount != 0 {
		t.Fatalf("P-2 must be claimless: %+v", byKey["P-2"])
	}

	mappings := &MappingSource{DB: pool}
	m, err := mappings.Load(ctx)
	if err != nil {
		t.Fatalf("load mapping: %v", err)
	}
	if !m.Visible("reinsurer_a", "OH") || !m.Visible("reinsurer_b", "TX") {
		t.Fatalf("mapping rows not loaded")
	}

	if err := mappings.Save(ctx, "reinsurer_a", []models.TerritoryTag{"TX"}); err != nil {
		t.Fatalf("save mapping: %v", err)
	}
	m, err = mappings.Load(ctx)
	if err != nil {
		t.Fatalf("reload mapping: %v", err)
	}
	if m.Visible("reinsurer_a", "OH") || !m.Visible("reinsurer_a", "TX") {
		t.Fatal("saved mapping not replaced")
	}
}
