package capture

import (
	"context"
	"database/sql/driver"
	"time"
)

// WrapDriver returns a driver that routes every statement through the
// interceptor before handing it to the wrapped driver. The identity hint
// comment is left in the SQL so downstream layers can read it too.
func WrapDriver(d driver.Driver, ic *Interceptor) driver.Driver {
	return &wrappedDriver{wrapped: d, ic: ic}
}

type wrappedDriver struct {
	wrapped driver.Driver
	ic      *Interceptor
}

func (d *wrappedDriver) Open(name string) (driver.Conn, error) {
	conn, err := d.wrapped.Open(name)
	if err != nil {
		return nil, err
	}
	return &wrappedConn{wrapped: conn, ic: d.ic}, nil
}

type wrappedConn struct {
	wrapped driver.Conn
	ic      *Interceptor
}

func (c *wrappedConn) Prepare(query string) (driver.Stmt, error) {
	stmt, err := c.wrapped.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &wrappedStmt{wrapped: stmt, query: query, ic: c.ic}, nil
}

func (c *wrappedConn) Close() error {
	return c.wrapped.Close()
}

func (c *wrappedConn) Begin() (driver.Tx, error) {
	return c.wrapped.Begin() //nolint:staticcheck // driver.Conn interface
}

func (c *wrappedConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if b, ok := c.wrapped.(driver.ConnBeginTx); ok {
		return b.BeginTx(ctx, opts)
	}
	return c.wrapped.Begin() //nolint:staticcheck // fallback for legacy drivers
}

func (c *wrappedConn) Ping(ctx context.Context) error {
	if p, ok := c.wrapped.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// ExecContext intercepts mutating statements. Denials surface before the
// wrapped driver sees the statement.
func (c *wrappedConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	execer, ok := c.wrapped.(driver.ExecerContext)
	if !ok {
		// database/sql falls back to Prepare, which is also wrapped.
		return nil, driver.ErrSkip
	}

	event, ev, err := c.ic.before(ctx, query)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, execErr := execer.ExecContext(ctx, query, args)

	var affected int64
	if execErr == nil && res != nil {
		if n, raErr := res.RowsAffected(); raErr == nil {
			affected = n
		}
	}
	c.ic.after(event, ev, start, affected, execErr)
	return res, execErr
}

// QueryContext intercepts reads the same way.
func (c *wrappedConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	queryer, ok := c.wrapped.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}

	event, ev, err := c.ic.before(ctx, query)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, execErr := queryer.QueryContext(ctx, query, args)
	c.ic.after(event, ev, start, 0, execErr)
	return rows, execErr
}

type wrappedStmt struct {
	wrapped driver.Stmt
	query   string
	ic      *Interceptor
}

func (s *wrappedStmt) Close() error {
	return s.wrapped.Close()
}

func (s *wrappedStmt) NumInput() int {
	return s.wrapped.NumInput()
}

func (s *wrappedStmt) Exec(args []driver.Value) (driver.Result, error) {
	event, ev, err := s.ic.before(context.Background(), s.query)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, execErr := s.wrapped.Exec(args) //nolint:staticcheck // driver.Stmt interface

	var affected int64
	if execErr == nil && res != nil {
		if n, raErr := res.RowsAffected(); raErr == nil {
			affected = n
		}
	}
	s.ic.after(event, ev, start, affected, execErr)
	return res, execErr
}

func (s *wrappedStmt) Query(args []driver.Value) (driver.Rows, error) {
	event, ev, err := s.ic.before(context.Background(), s.query)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, execErr := s.wrapped.Query(args) //nolint:staticcheck // driver.Stmt interface
	s.ic.after(event, ev, start, 0, execErr)
	return rows, execErr
}
