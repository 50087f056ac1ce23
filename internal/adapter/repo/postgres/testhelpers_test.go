package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub satisfies pgx.Row with a scan function supplied by the test.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub satisfies pgx.Rows over a list of per-row scan functions.
type rowsStub struct {
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

func (r *rowsStub) Next() bool {
	if r.idx < len(r.scans) {
		r.idx++
		return true
	}
	return false
}

func (r *rowsStub) Scan(dest ...any) error { return r.scans[r.idx-1](dest...) }

// poolStub satisfies PgxPool; unset methods fail loudly when called.
type poolStub struct {
	exec     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRow func(ctx context.Context, sql string, args ...any) pgx.Row
	query    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	beginTx  func(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func (p *poolStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if p.exec == nil {
		return pgconn.CommandTag{}, errors.New("unexpected Exec")
	}
	return p.exec(ctx, sql, args...)
}

func (p *poolStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if p.queryRow == nil {
		return rowStub{scan: func(...any) error { return errors.New("unexpected QueryRow") }}
	}
	return p.queryRow(ctx, sql, args...)
}

func (p *poolStub) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.query == nil {
		return nil, errors.New("unexpected Query")
	}
	return p.query(ctx, sql, args...)
}

func (p *poolStub) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	if p.beginTx == nil {
		return nil, errors.New("unexpected BeginTx")
	}
	return p.beginTx(ctx, txOptions)
}

// sqlStateErr mimics a pgconn error carrying a SQLSTATE code.
type sqlStateErr struct{ code string }

func (e sqlStateErr) Error() string    { return "sqlstate " + e.code }
func (e sqlStateErr) SQLState() string { return e.code }
