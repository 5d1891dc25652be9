package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends one record per governed query evaluation. With Redact set,
// the accessor account is stored as a salted hash so the audit trail cannot
// be joined back to partner identities.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	DecisionID      string
	Role            string
	Account         string
	Class           string
	QueryRaw        json.RawMessage
	Verdict         string
	Reason          string
	RowsReturned    int
	SnapshotVersion uint64
	CreatedAt       time.Time
}

// Audit verdicts.
const (
	VerdictServed   = "SERVED"
	VerdictRejected = "REJECTED"
)

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec.Account = hashString(rec.Account, w.HashSalt)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(decision_id, role, account, class, query_raw, verdict, reason, rows_returned, snapshot_version, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.DecisionID, rec.Role, rec.Account, rec.Class, rec.QueryRaw, rec.Verdict, rec.Reason, rec.RowsReturned, int64(rec.SnapshotVersion), rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	var rec Record
	var version int64
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, role, account, class, query_raw, verdict, reason, rows_returned, snapshot_version, created_at
		FROM audit_records WHERE decision_id=$1
	`, decisionID)
	if err := row.Scan(&rec.DecisionID, &rec.Role, &rec.Account, &rec.Class, &rec.QueryRaw, &rec.Verdict, &rec.Reason, &rec.RowsReturned, &version, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.SnapshotVersion = uint64(version)
	return rec, nil
}
