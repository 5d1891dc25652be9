package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	execSQL  string
	execArgs []any
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = args
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func TestAppendRedactsAccount(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt"), Redact: true}
	rec := Record{
		DecisionID:      "d1",
		Role:            "PARTNER",
		Account:         "reinsurer_a",
		Class:           "EXTERNAL_MAPPED",
		QueryRaw:        json.RawMessage(`{"columns":["age"]}`),
		Verdict:         VerdictServed,
		RowsReturned:    42,
		SnapshotVersion: 7,
		CreatedAt:       time.Now().UTC(),
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	account, ok := db.execArgs[2].(string)
	if !ok {
		t.Fatalf("account arg has type %T", db.execArgs[2])
	}
	if account == "reinsurer_a" {
		t.Fatal("account stored in the clear despite redaction")
	}
	if account != hashString("reinsurer_a", []byte("salt")) {
		t.Fatal("account hash does not match the salted digest")
	}
}

func TestAppendDefaultsCreatedAt(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db}
	before := time.Now().UTC()
	if err := w.Append(context.Background(), Record{DecisionID: "d2", Verdict: VerdictRejected}); err != nil {
		t.Fatalf("append: %v", err)
	}
	createdAt, ok := db.execArgs[9].(time.Time)
	if !ok {
		t.Fatalf("created_at arg has type %T", db.execArgs[9])
	}
	if createdAt.IsZero() {
		t.Fatal("created_at stored as the zero time")
	}
	if createdAt.Before(before.Add(-time.Second)) || createdAt.After(time.Now().UTC().Add(time.Second)) {
		t.Fatalf("created_at not stamped at append time: %v", createdAt)
	}
}

func TestAppendKeepsExplicitCreatedAt(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := w.Append(context.Background(), Record{DecisionID: "d3", CreatedAt: at}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := db.execArgs[9].(time.Time); !got.Equal(at) {
		t.Fatalf("explicit created_at overwritten: %v", got)
	}
}

func TestAppendWithoutRedaction(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db}
	if err := w.Append(context.Background(), Record{Account: "hq"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if db.execArgs[2] != "hq" {
		t.Fatalf("account = %v, want hq", db.execArgs[2])
	}
}

func TestHashStringStable(t *testing.T) {
	salt := []byte("s")
	if hashString("", salt) != "" {
		t.Fatal("empty value must stay empty")
	}
	a := hashString("reinsurer_a", salt)
	if a != hashString("reinsurer_a", salt) {
		t.Fatal("hash not stable")
	}
	if a == hashString("reinsurer_a", []byte("other")) {
		t.Fatal("salt not applied")
	}
}
