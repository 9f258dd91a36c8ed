// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	"github.com/multigres/sqlclient/go/pools/connpool"
)

// runner is what *sqlx.Conn and *sqlx.Tx have in common.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

// ErrAutoCommit is returned by Commit and Rollback while auto-commit is on.
var ErrAutoCommit = errors.New("connection is in auto-commit mode")

// Conn is one physical database connection and its transaction state.
//
// With auto-commit on (the default) every statement runs on its own. After
// SetAutoCommit(false) the first statement begins a transaction that lasts
// until Commit or Rollback; the next statement begins another one.
//
// Driver errors are returned unmodified. A Conn whose driver reported a
// bad connection is marked unhealthy so the pool drops it.
type Conn struct {
	conn *sqlx.Conn

	// tx is the open transaction when auto-commit is off, or nil.
	tx         *sqlx.Tx
	autoCommit bool

	broken atomic.Bool
	closed atomic.Bool
}

var _ connpool.Connection = (*Conn)(nil)

// NewConn wraps an established connection.
func NewConn(conn *sqlx.Conn) *Conn {
	return &Conn{
		conn:       conn,
		autoCommit: true,
	}
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// IsHealthy reports whether the driver has not flagged the connection as broken.
func (c *Conn) IsHealthy() bool {
	return !c.broken.Load()
}

// Close closes the physical connection, rolling back an open transaction
// first. A failed rollback is reported together with the close error; the
// connection is closed either way.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	var rollbackErr error
	if c.tx != nil {
		if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			rollbackErr = fmt.Errorf("rollback on close: %w", err)
		}
		c.tx = nil
	}
	return errors.Join(rollbackErr, c.conn.Close())
}

// AutoCommit reports the auto-commit mode.
func (c *Conn) AutoCommit() bool {
	return c.autoCommit
}

// InTransaction reports whether a transaction is open.
func (c *Conn) InTransaction() bool {
	return c.tx != nil
}

// SetAutoCommit switches auto-commit mode. Turning it back on commits the
// open transaction, if any.
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if on && c.tx != nil {
		if err := c.endTx(c.tx.Commit); err != nil {
			return err
		}
	}
	c.autoCommit = on
	return nil
}

// Commit commits the open transaction. It is a no-op when no statement has
// run since the last Commit or Rollback.
func (c *Conn) Commit(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.autoCommit {
		return ErrAutoCommit
	}
	if c.tx == nil {
		return nil
	}
	return c.endTx(c.tx.Commit)
}

// Rollback rolls back the open transaction, if any.
func (c *Conn) Rollback(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.autoCommit {
		return ErrAutoCommit
	}
	if c.tx == nil {
		return nil
	}
	return c.endTx(c.tx.Rollback)
}

func (c *Conn) endTx(end func() error) error {
	err := end()
	c.tx = nil
	return c.observe(err)
}

// Reset puts the connection back in its initial state before it returns to
// the pool: any open transaction is rolled back and auto-commit turned on.
func (c *Conn) Reset(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.autoCommit = true
	if c.tx == nil {
		return nil
	}
	return c.endTx(c.tx.Rollback)
}

// Ping checks the connection is alive.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.observe(c.conn.PingContext(ctx))
}

// Exec runs a statement that returns no rows.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ext, err := c.ext(ctx)
	if err != nil {
		return nil, err
	}
	res, err := ext.ExecContext(ctx, query, args...)
	return res, c.observe(err)
}

// Query runs a statement and returns its rows.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	ext, err := c.ext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := ext.QueryxContext(ctx, query, args...)
	return rows, c.observe(err)
}

// ext returns where statements run: the open transaction, a newly begun
// one when auto-commit is off, or the bare connection.
func (c *Conn) ext(ctx context.Context) (runner, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if c.tx != nil {
		return c.tx, nil
	}
	if c.autoCommit {
		return c.conn, nil
	}
	tx, err := c.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, c.observe(err)
	}
	c.tx = tx
	return tx, nil
}

func (c *Conn) checkOpen() error {
	if c.closed.Load() {
		return fmt.Errorf("cannot use closed connection: %w", sql.ErrConnDone)
	}
	return nil
}

// observe marks the connection broken if err says the driver lost it, and
// returns err unchanged.
func (c *Conn) observe(err error) error {
	if err != nil && (errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)) {
		c.broken.Store(true)
	}
	return err
}
