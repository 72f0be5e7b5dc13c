package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/ledgerline/arcd/internal/storage"
)

// executor abstracts *sql.DB and *sql.Tx so each repository works both on
// the pool and inside a transaction.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// mapError translates driver errors into the storage taxonomy. Unique
// violations become ErrDuplicate matches so callers can implement
// insert-first idempotency without inspecting pq internals.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.NewNotFoundError(op)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return storage.NewDuplicateError(op, pqErr.Constraint, err)
		case "23503":
			return storage.NewConstraintError(op, "foreign key violation", err).
				WithCode("23503").WithConstraint(pqErr.Constraint)
		case "23514":
			return storage.NewConstraintError(op, "check constraint violation", err).
				WithCode("23514").WithConstraint(pqErr.Constraint)
		case "40P01":
			return storage.NewTransactionError(op, "deadlock detected", err).WithCode("40P01")
		case "40001":
			return storage.NewTransactionError(op, "serialization failure", err).WithCode("40001")
		}
		if pqErr.Code.Class() == "08" {
			return storage.NewConnectionError(op, "connection failure", err).WithCode(string(pqErr.Code))
		}
		return storage.NewQueryError(op, pqErr.Message, err).WithCode(string(pqErr.Code))
	}

	return storage.WrapError(err, op)
}

// requireTenant guards every repository entry point.
func requireTenant(op, tenant string) error {
	if tenant == "" {
		return storage.NewDataError(op, "tenant id is required", storage.ErrTenantRequired)
	}
	return nil
}

// marshalJSON encodes v for a JSONB column, mapping nil to an empty object.
func marshalJSON(op string, v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, storage.NewDataError(op, "failed to encode json column", err)
	}
	return data, nil
}

// unmarshalMeta decodes a JSONB metadata column.
func unmarshalMeta(op string, data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, storage.NewDataError(op, "failed to decode json column", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// nullTime converts *time.Time to its sql.NullTime representation.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// timePtr converts a scanned sql.NullTime back to *time.Time.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// pqStringArray adapts a []string for ANY($n) parameters.
func pqStringArray(ss []string) interface{} {
	return pq.Array(ss)
}

// nullRawJSON converts an optional raw JSON document for a nullable column.
func nullRawJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// nullString converts an optional string for a nullable column.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// stringVal unwraps a nullable column scan.
func stringVal(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}
