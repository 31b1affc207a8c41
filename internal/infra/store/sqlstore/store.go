// Package sqlstore persists records to a single "records" table through
// database/sql. The sqlite dialect uses the pure Go modernc driver and the
// postgres dialect uses pgx.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"persistcore/internal/infra/store"
	"persistcore/pkg/domain"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

var _ store.Backend = (*Store)(nil)

// Dialect selects driver, DDL and placeholder style.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

const defaultPostgresDSN = "postgres://localhost/persistcore?sslmode=disable"

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the sql.Open implementation for tests and returns a
// restore func.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}

// Rebind rewrites ? placeholders to $n for postgres.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store is a record backend over one database.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	identity string
}

// Open connects, ensures the records table exists and resolves the server
// identity used for distribution decisions.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	var (
		driver   string
		identity string
		err      error
	)
	switch dialect {
	case SQLite:
		driver = "sqlite"
		if dsn == "" {
			dsn = "persistcore.db"
		}
		if !isMemoryDSN(dsn) {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("create dirs: %w", err)
			}
			abs, err := filepath.Abs(dsn)
			if err != nil {
				return nil, fmt.Errorf("resolve sqlite path: %w", err)
			}
			identity = "sqlite:" + abs
		}
	case Postgres:
		driver = "pgx"
		if dsn == "" {
			dsn = defaultPostgresDSN
		}
		identity, err = PostgresIdentity(dsn)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown sql dialect %q", dialect)
	}
	openMu.Lock()
	db, err := sqlOpen(driver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite && isMemoryDSN(dsn) {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
		identity = fmt.Sprintf("sqlite:memory:%p", db)
	}
	s := &Store{db: db, dialect: dialect, identity: identity}
	if err := s.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// PostgresIdentity names the server behind dsn as host:port/database.
func PostgresIdentity(dsn string) (string, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return "", fmt.Errorf("parse postgres dsn: %w", err)
	}
	return fmt.Sprintf("postgres://%s:%d/%s", cfg.Host, cfg.Port, cfg.Database), nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:") || strings.Contains(dsn, "mode=memory")
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Identity() string { return s.identity }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureTable(ctx context.Context) error {
	payload, version := "BLOB", "INTEGER"
	if s.dialect == Postgres {
		payload, version = "JSONB", "BIGINT"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS records (
		entity TEXT NOT NULL,
		record_key TEXT NOT NULL,
		payload %s NOT NULL,
		version %s NOT NULL,
		PRIMARY KEY (entity, record_key)
	)`, payload, version)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure records table: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Select(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey) (domain.Fields, error) {
	return s.ops(s.db).Select(ctx, ref, key)
}

func (s *Store) SelectSet(ctx context.Context, ref domain.EntityRef, filter domain.Fields) ([]domain.Fields, error) {
	return s.ops(s.db).SelectSet(ctx, ref, filter)
}

func (s *Store) Insert(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	var token domain.VersionToken
	err := s.inTx(ctx, func(o ops) error {
		var err error
		token, err = o.Insert(ctx, ref, key, fields)
		return err
	})
	return token, err
}

func (s *Store) Update(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	var token domain.VersionToken
	err := s.inTx(ctx, func(o ops) error {
		var err error
		token, err = o.Update(ctx, ref, key, fields)
		return err
	})
	return token, err
}

func (s *Store) Delete(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey) error {
	return s.ops(s.db).Delete(ctx, ref, key)
}

// Begin opens a database transaction that later operations on the same
// connection id are routed through.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &transaction{ops: s.ops(tx), tx: tx}, nil
}

// inTx runs a multi-statement write atomically outside a caller transaction.
func (s *Store) inTx(ctx context.Context, fn func(ops) error) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(s.ops(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (s *Store) ops(q queryer) ops { return ops{q: q, dialect: s.dialect} }

type transaction struct {
	ops
	tx *sql.Tx
}

func (t *transaction) Commit(context.Context) error { return t.tx.Commit() }

func (t *transaction) Rollback(context.Context) error { return t.tx.Rollback() }

type ops struct {
	q       queryer
	dialect Dialect
}

func (o ops) bind(query string) string { return o.dialect.Rebind(query) }

func (o ops) payloadArg(data []byte) any {
	if o.dialect == Postgres {
		return string(data)
	}
	return data
}

func (o ops) Select(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey) (domain.Fields, error) {
	var (
		payload []byte
		version int64
	)
	err := o.q.QueryRowContext(ctx, o.bind(`SELECT payload, version FROM records WHERE entity = ? AND record_key = ?`),
		ref.Entity, key.String()).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("select", ref, key)
	}
	if err != nil {
		return nil, &domain.StoreOperationError{Op: "select", Entity: ref.Entity, Key: key.String(), Err: err}
	}
	fields, err := store.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	return store.WithVersion(fields, version), nil
}

func (o ops) SelectSet(ctx context.Context, ref domain.EntityRef, filter domain.Fields) ([]domain.Fields, error) {
	rows, err := o.q.QueryContext(ctx, o.bind(`SELECT payload, version FROM records WHERE entity = ? ORDER BY record_key`), ref.Entity)
	if err != nil {
		return nil, &domain.StoreOperationError{Op: "select", Entity: ref.Entity, Err: err}
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Fields
	for rows.Next() {
		var (
			payload []byte
			version int64
		)
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		fields, err := store.DecodeFields(payload)
		if err != nil {
			return nil, err
		}
		if store.Matches(fields, filter) {
			out = append(out, store.WithVersion(fields, version))
		}
	}
	return out, rows.Err()
}

func (o ops) version(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey) (int64, bool, error) {
	var version int64
	err := o.q.QueryRowContext(ctx, o.bind(`SELECT version FROM records WHERE entity = ? AND record_key = ?`),
		ref.Entity, key.String()).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, true, nil
}

func (o ops) Insert(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	if _, exists, err := o.version(ctx, ref, key); err != nil {
		return "", &domain.StoreOperationError{Op: "insert", Entity: ref.Entity, Key: key.String(), Err: err}
	} else if exists {
		return "", store.Duplicate("insert", ref, key)
	}
	data, err := store.EncodeFields(fields)
	if err != nil {
		return "", err
	}
	if _, err := o.q.ExecContext(ctx, o.bind(`INSERT INTO records(entity, record_key, payload, version) VALUES(?, ?, ?, ?)`),
		ref.Entity, key.String(), o.payloadArg(data), 1); err != nil {
		return "", &domain.StoreOperationError{Op: "insert", Entity: ref.Entity, Key: key.String(), Err: err}
	}
	return store.Token(1), nil
}

func (o ops) Update(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	current, exists, err := o.version(ctx, ref, key)
	if err != nil {
		return "", &domain.StoreOperationError{Op: "update", Entity: ref.Entity, Key: key.String(), Err: err}
	}
	if !exists {
		return "", store.NotFound("update", ref, key)
	}
	next := store.NextKey(key, fields)
	if next.String() != key.String() {
		if _, taken, err := o.version(ctx, ref, next); err != nil {
			return "", &domain.StoreOperationError{Op: "update", Entity: ref.Entity, Key: next.String(), Err: err}
		} else if taken {
			return "", store.Duplicate("update", ref, next)
		}
	}
	data, err := store.EncodeFields(fields)
	if err != nil {
		return "", err
	}
	version := current + 1
	if _, err := o.q.ExecContext(ctx, o.bind(`UPDATE records SET record_key = ?, payload = ?, version = ? WHERE entity = ? AND record_key = ?`),
		next.String(), o.payloadArg(data), version, ref.Entity, key.String()); err != nil {
		return "", &domain.StoreOperationError{Op: "update", Entity: ref.Entity, Key: key.String(), Err: err}
	}
	return store.Token(version), nil
}

func (o ops) Delete(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey) error {
	if _, err := o.q.ExecContext(ctx, o.bind(`DELETE FROM records WHERE entity = ? AND record_key = ?`), ref.Entity, key.String()); err != nil {
		return &domain.StoreOperationError{Op: "delete", Entity: ref.Entity, Key: key.String(), Err: err}
	}
	return nil
}
