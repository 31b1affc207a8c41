package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"persistcore/pkg/domain"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubConn records the statements the postgres dialect sends. Queries
// return no rows.
type stubConn struct {
	mu       sync.Mutex
	stmts    []string
	args     [][]any
	failExec map[string]error
}

func (c *stubConn) record(query string, args []driver.NamedValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stmts = append(c.stmts, strings.Join(strings.Fields(query), " "))
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	c.args = append(c.args, vals)
}

func (c *stubConn) statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stmts...)
}

func (c *stubConn) Connect(context.Context) (driver.Conn, error) { return c, nil }
func (c *stubConn) Driver() driver.Driver                        { return stubDriver{c} }

type stubDriver struct{ c *stubConn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.c, nil }

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare not supported") }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error)           { return c.BeginTx(context.Background(), driver.TxOptions{}) }

func (c *stubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.record("BEGIN", nil)
	return stubTx{c}, nil
}

func (c *stubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.record(query, args)
	for prefix, err := range c.failExec {
		if strings.HasPrefix(query, prefix) {
			return nil, err
		}
	}
	return driver.RowsAffected(1), nil
}

func (c *stubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.record(query, args)
	return emptyRows{}, nil
}

type stubTx struct{ c *stubConn }

func (t stubTx) Commit() error   { t.c.record("COMMIT", nil); return nil }
func (t stubTx) Rollback() error { t.c.record("ROLLBACK", nil); return nil }

type emptyRows struct{}

func (emptyRows) Columns() []string         { return []string{"version"} }
func (emptyRows) Close() error              { return nil }
func (emptyRows) Next([]driver.Value) error { return io.EOF }

func openStub(t *testing.T, conn *stubConn) *Store {
	t.Helper()
	restore := OverrideSQLOpen(func(driverName, _ string) (*sql.DB, error) {
		assert.Equal(t, "pgx", driverName)
		return sql.OpenDB(conn), nil
	})
	t.Cleanup(restore)
	s, err := Open(context.Background(), Postgres, "postgres://app@db.internal:5432/orders")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStatements(t *testing.T) {
	ctx := context.Background()
	conn := &stubConn{}
	s := openStub(t, conn)
	assert.Equal(t, "postgres://db.internal:5432/orders", s.Identity())
	assert.Equal(t, Postgres, s.Dialect())

	token, err := s.Insert(ctx, orders, orderKey("o-1"), domain.Fields{"id": "o-1", "total": 3})
	require.NoError(t, err)
	assert.Equal(t, domain.VersionToken("1"), token)

	_, err = s.Select(ctx, orders, orderKey("o-1"))
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, s.Delete(ctx, orders, orderKey("o-1")))

	stmts := conn.statements()
	require.Len(t, stmts, 7)
	assert.Contains(t, stmts[0], "payload JSONB NOT NULL")
	assert.Contains(t, stmts[0], "version BIGINT NOT NULL")
	assert.Equal(t, []string{
		"BEGIN",
		"SELECT version FROM records WHERE entity = $1 AND record_key = $2",
		"INSERT INTO records(entity, record_key, payload, version) VALUES($1, $2, $3, $4)",
		"COMMIT",
		"SELECT payload, version FROM records WHERE entity = $1 AND record_key = $2",
		"DELETE FROM records WHERE entity = $1 AND record_key = $2",
	}, stmts[1:])

	insertArgs := conn.args[3]
	require.Len(t, insertArgs, 4)
	assert.Equal(t, "orders", insertArgs[0])
	assert.IsType(t, "", insertArgs[2], "postgres payloads are sent as text for the JSONB column")
}

func TestPostgresInsertFailureRollsBack(t *testing.T) {
	boom := errors.New("disk full")
	conn := &stubConn{}
	s := openStub(t, conn)
	conn.failExec = map[string]error{"INSERT": boom}

	_, err := s.Insert(context.Background(), orders, orderKey("o-1"), domain.Fields{"id": "o-1"})
	require.ErrorIs(t, err, boom)
	var opErr *domain.StoreOperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "insert", opErr.Op)
	stmts := conn.statements()
	assert.Equal(t, "ROLLBACK", stmts[len(stmts)-1])
}

func TestPostgresLocalTransaction(t *testing.T) {
	ctx := context.Background()
	conn := &stubConn{}
	s := openStub(t, conn)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Insert(ctx, orders, orderKey("o-2"), domain.Fields{"id": "o-2"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	stmts := conn.statements()
	assert.Equal(t, []string{
		"BEGIN",
		"SELECT version FROM records WHERE entity = $1 AND record_key = $2",
		"INSERT INTO records(entity, record_key, payload, version) VALUES($1, $2, $3, $4)",
		"COMMIT",
	}, stmts[1:])
}
