package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execErr   error
	rowErr    error
	rowValues []any
	execArgs  []any
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	_ = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	return &fakeAuditRow{values: f.rowValues, err: f.rowErr}
}

type fakeAuditRow struct {
	values []any
	err    error
}

func (r *fakeAuditRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assignAuditScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignAuditScan(dest any, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
		return nil
	case *[]string:
		v, ok := val.([]string)
		if !ok {
			return fmt.Errorf("expected []string, got %T", val)
		}
		*d = v
		return nil
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
		return nil
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
}

func TestWriterAppendAndGet(t *testing.T) {
	now := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	db := &fakeAuditDB{
		rowValues: []any{"batch-1", "Payment", "abc123", "actor-1", []string{"device-1"}, "allow", "OK", now},
	}
	w := &Writer{DB: db}

	rec := Record{
		BatchID:    "batch-1",
		FactType:   "Payment",
		FactHash:   "abc123",
		ActorID:    "actor-1",
		Signers:    []string{"device-1"},
		Verdict:    VerdictAllow,
		ReasonCode: "OK",
		CreatedAt:  now,
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 8 {
		t.Fatalf("expected 8 exec args, got %d", len(db.execArgs))
	}
	if got := db.execArgs[1]; got != "Payment" {
		t.Fatalf("unexpected fact type arg: %v", got)
	}

	got, err := w.Get(context.Background(), "Payment", "abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FactType != "Payment" || got.Verdict != VerdictAllow || got.ActorID != "actor-1" || got.BatchID != "batch-1" {
		t.Fatalf("unexpected get record: %+v", got)
	}
	if len(db.queryArgs) != 2 {
		t.Fatalf("expected 2 query args, got %d", len(db.queryArgs))
	}
}

func TestWriterAppendPropagatesExecError(t *testing.T) {
	db := &fakeAuditDB{execErr: fmt.Errorf("exec failed")}
	w := &Writer{DB: db}
	if err := w.Append(context.Background(), Record{FactType: "Ping"}); err == nil {
		t.Fatal("expected append error")
	}
}

func TestWriterGetPropagatesRowError(t *testing.T) {
	db := &fakeAuditDB{rowErr: fmt.Errorf("not found")}
	w := &Writer{DB: db}
	if _, err := w.Get(context.Background(), "Ping", "abc"); err == nil {
		t.Fatal("expected get error")
	}
}
