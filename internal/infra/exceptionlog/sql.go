package exceptionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"persistcore/internal/infra/store/sqlstore"
	"persistcore/pkg/domain"
	"regexp"
)

// DefaultTable is the table SQLSink writes to when none is configured.
const DefaultTable = "application_exception"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLSink inserts one row per record.
type SQLSink struct {
	db      *sql.DB
	dialect sqlstore.Dialect
	table   string
	insert  string
}

// NewSQLSink creates table if it does not exist.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect sqlstore.Dialect, table string) (*SQLSink, error) {
	if table == "" {
		table = DefaultTable
	}
	if !identPattern.MatchString(table) {
		return nil, &domain.ConfigurationError{Field: "exceptions.table", Reason: fmt.Sprintf("invalid table name %q", table), Err: domain.ErrInvalidMapping}
	}
	ts := "TEXT"
	if dialect == sqlstore.Postgres {
		ts = "TIMESTAMPTZ"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		stack TEXT NOT NULL,
		origin_host TEXT NOT NULL,
		occurred_at %s NOT NULL,
		extra TEXT NOT NULL
	)`, table, ts)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("ensure %s table: %w", table, err)
	}
	return &SQLSink{
		db:      db,
		dialect: dialect,
		table:   table,
		insert: dialect.Rebind(fmt.Sprintf(
			`INSERT INTO %s(id, kind, message, stack, origin_host, occurred_at, extra) VALUES(?, ?, ?, ?, ?, ?, ?)`, table)),
	}, nil
}

// Table returns the destination table name.
func (s *SQLSink) Table() string { return s.table }

func (s *SQLSink) Record(ctx context.Context, rec domain.ExceptionRecord) error {
	extra, err := json.Marshal(rec.Extra)
	if err != nil {
		return fmt.Errorf("encode exception extra: %w", err)
	}
	var at any = rec.Timestamp.UTC()
	if s.dialect != sqlstore.Postgres {
		at = rec.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
	}
	if _, err := s.db.ExecContext(ctx, s.insert, rec.ID, rec.Kind, rec.Message, rec.Stack, rec.OriginHost, at, string(extra)); err != nil {
		return fmt.Errorf("insert exception %s: %w", rec.ID, err)
	}
	return nil
}
