package models

import (
	"time"
)

// ClaimRecord is one customer's policy attributes joined with at most one
// claim. When no claim exists the claim-side fields are zero and HasClaim is
// false; the feed normalizes them before scoring.
type ClaimRecord struct {
	PolicyNumber          string    `json:"policy_number"`
	Age                   int       `json:"age"`
	Sex                   string    `json:"sex"`
	EducationLevel        string    `json:"education_level"`
	Occupation            string    `json:"occupation"`
	PolicyStartDate       time.Time `json:"policy_start_date"`
	PolicyLengthMonths    int       `json:"policy_length_months"`
	Deductible            float64   `json:"deductible"`
	AnnualPremium         float64   `json:"annual_premium"`
	HasClaim              bool      `json:"has_claim"`
	IncidentDate          time.Time `json:"incident_date"`
	IncidentType          string    `json:"incident_type"`
	IncidentSeverity      string    `json:"incident_severity"`
	AuthoritiesContacted  bool      `json:"authorities_contacted"`
	IncidentHour          int       `json:"incident_hour"`
	VehiclesInvolved      int       `json:"vehicles_involved"`
	BodilyInjuries        int       `json:"bodily_injuries"`
	Witnesses             int       `json:"witnesses"`
	PoliceReportAvailable bool      `json:"police_report_available"`
	ClaimAmount           float64   `json:"claim_amount"`
	FraudReported         bool      `json:"fraud_reported"`
}

// RiskLevel buckets a scored record.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// RiskAssessment is attached to exactly one ClaimRecord per scoring pass.
// Factors are ordered canonically and never contain placeholders.
type RiskAssessment struct {
	Level   RiskLevel `json:"level"`
	Score   int       `json:"score"`
	Factors []string  `json:"factors"`
}

// TerritoryTag is a coarse geographic label used for row-level visibility.
type TerritoryTag string

// AllStates is the mapping wildcard granting visibility into every territory.
const AllStates TerritoryTag = "ALL_STATES"

// ScoredRow is one materialized tuple: record plus its risk assessment and
// territory tag for a single snapshot version.
type ScoredRow struct {
	Record    ClaimRecord    `json:"record"`
	Risk      RiskAssessment `json:"risk"`
	Territory TerritoryTag   `json:"territory"`
}

// Snapshot is an immutable, versioned materialization. Readers only ever
// observe whole snapshots; the scheduler replaces them by pointer swap.
type Snapshot struct {
	Version    uint64      `json:"version"`
	ComputedAt time.Time   `json:"computed_at"`
	Rows       []ScoredRow `json:"rows"`
}

// AccessorIdentity is the (role, account) pair a query is evaluated on
// behalf of. Supplied per call, never persisted.
type AccessorIdentity struct {
	Role    string `json:"role"`
	Account string `json:"account"`
}

// FilterOp enumerates the comparison operators usable in query predicates.
type FilterOp string

const (
	OpEq       FilterOp = "eq"
	OpNe       FilterOp = "ne"
	OpGt       FilterOp = "gt"
	OpGte      FilterOp = "gte"
	OpLt       FilterOp = "lt"
	OpLte      FilterOp = "lte"
	OpContains FilterOp = "contains"
)

// Filter is one predicate over a column. Filters are conjunctive.
type Filter struct {
	Column string   `json:"column"`
	Op     FilterOp `json:"op"`
	Value  any      `json:"value"`
}

// QueryShape describes what a caller wants to compute: output columns,
// row predicates, and optional grouping.
type QueryShape struct {
	Columns []string `json:"columns"`
	Filters []Filter `json:"filters,omitempty"`
	GroupBy []string `json:"group_by,omitempty"`
}

// GovernedResult is the projection of a snapshot one identity is allowed to
// see: gated columns removed, rows filtered by territory, sensitive values
// masked, and undersized groups suppressed.
type GovernedResult struct {
	Columns         []string         `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	SnapshotVersion uint64           `json:"snapshot_version"`
	ComputedAt      time.Time        `json:"computed_at"`
}

// RefreshStatus reports scheduler state for the staleness endpoint.
type RefreshStatus struct {
	State        string    `json:"state"`
	Version      uint64    `json:"version"`
	ComputedAt   time.Time `json:"computed_at"`
	StalenessSec int       `json:"staleness_sec"`
	Refreshing   bool      `json:"refreshing"`
}
