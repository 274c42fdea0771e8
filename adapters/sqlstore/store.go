// Package sqlstore implements the persistence ports on top of sqlx. The same
// queries run on PostgreSQL (lib/pq) and SQLite (mattn/go-sqlite3): they are
// written with ? placeholders and rebound for the active driver.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	apperrors "goexp/internal/errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Store is the shared handle behind every repository in this package
type Store struct {
	db *sqlx.DB
}

// New wraps an open connection pool
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects with driverName ("postgres" or "sqlite3") and verifies the connection
func Open(ctx context.Context, driverName, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, apperrors.Database("connect", err)
	}
	if driverName == "sqlite3" {
		// SQLite serializes writers anyway, and an in-memory database only
		// exists on the connection that created it
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, apperrors.Database("enable foreign keys", err)
		}
	}
	return db, nil
}

// DB exposes the underlying pool, e.g. for migrations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

// isUniqueViolation reports a unique or primary key conflict on either driver
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Database("rows affected", err)
	}
	return n, nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Database("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Database("commit", err)
	}
	return nil
}

// jsonParam encodes v as a string parameter, NULL for nil
func jsonParam(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(t) == 0 {
			return nil, nil
		}
		return string(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func decodeJSON(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
