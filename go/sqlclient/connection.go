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

package sqlclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/sqlclient/go/mterrors"
	"github.com/multigres/sqlclient/go/pools/connpool"
	"github.com/multigres/sqlclient/go/sqlconn"
)

// resetTimeout bounds the rollback run when a connection is returned.
const resetTimeout = 5 * time.Second

// Connection is a leased database connection. It must be closed to return
// it to its pool. A Connection is not safe for concurrent use; calls are
// serialized.
//
// Errors from the database are returned unmodified. Every call after Close
// fails with an error matching mterrors.ErrAlreadyClosed.
type Connection struct {
	id     uuid.UUID
	logger *slog.Logger
	tracer trace.Tracer
	attrs  []attribute.KeyValue

	mu     sync.Mutex
	pooled *connpool.Pooled[*sqlconn.Conn]
}

func newConnection(pooled *connpool.Pooled[*sqlconn.Conn], logger *slog.Logger, tracer trace.Tracer, attrs []attribute.KeyValue) *Connection {
	id := uuid.New()
	return &Connection{
		id:     id,
		logger: logger.With("conn_id", id.String()),
		tracer: tracer,
		attrs:  attrs,
		pooled: pooled,
	}
}

// ID identifies this lease in logs.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Close returns the connection to its pool after rolling back any open
// transaction. If that fails the physical connection is dropped instead.
// Closing a closed connection is a no-op.
func (c *Connection) Close() {
	c.mu.Lock()
	pooled := c.pooled
	c.pooled = nil
	c.mu.Unlock()
	if pooled == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	if err := pooled.Conn.Reset(ctx); err != nil {
		c.logger.Warn("failed to reset connection, discarding it", "error", err)
		pooled.Taint()
		return
	}
	pooled.Recycle()
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pooled == nil
}

// with runs fn on the physical connection while holding the lease, inside
// a client span named after op.
func (c *Connection) with(ctx context.Context, op, sql string, fn func(ctx context.Context, conn *sqlconn.Conn) error) error {
	ctx, span := c.tracer.Start(ctx, "sqlclient."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(c.attrs...))
	defer span.End()
	if sql != "" {
		span.SetAttributes(semconv.DBQueryText(sql))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.pooled == nil {
		err = mterrors.MT14004("connection")
	} else {
		err = fn(ctx, c.pooled.Conn)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Execute runs a statement and discards any result.
func (c *Connection) Execute(ctx context.Context, sql string) error {
	return c.with(ctx, "Execute", sql, func(ctx context.Context, conn *sqlconn.Conn) error {
		_, err := conn.Exec(ctx, sql)
		return err
	})
}

// ResultSet holds every row of a query.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// NumRows returns the number of rows.
func (rs *ResultSet) NumRows() int {
	return len(rs.Rows)
}

// Query runs a query and reads all of its rows. Text columns returned by
// the driver as []byte are converted to string.
func (c *Connection) Query(ctx context.Context, sql string, args ...any) (*ResultSet, error) {
	var rs *ResultSet
	err := c.with(ctx, "Query", sql, func(ctx context.Context, conn *sqlconn.Conn) error {
		rows, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		rs = &ResultSet{Columns: cols, Rows: [][]any{}}
		for rows.Next() {
			vals, err := rows.SliceScan()
			if err != nil {
				return err
			}
			for i, v := range vals {
				if b, ok := v.([]byte); ok {
					vals[i] = string(b)
				}
			}
			rs.Rows = append(rs.Rows, vals)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// UpdateResult describes the effect of an INSERT, UPDATE or DELETE.
type UpdateResult struct {
	// Updated is the number of rows affected.
	Updated int64
	// Keys holds the generated key, when the driver reports one.
	Keys []any
}

// Update runs a statement that changes rows.
func (c *Connection) Update(ctx context.Context, sql string, args ...any) (*UpdateResult, error) {
	var res *UpdateResult
	err := c.with(ctx, "Update", sql, func(ctx context.Context, conn *sqlconn.Conn) error {
		r, err := conn.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		res = &UpdateResult{Keys: []any{}}
		if res.Updated, err = r.RowsAffected(); err != nil {
			return err
		}
		// lib/pq does not support LastInsertId.
		if id, err := r.LastInsertId(); err == nil && id != 0 {
			res.Keys = append(res.Keys, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SetAutoCommit switches auto-commit mode. With it off, statements run in
// a transaction that ends with Commit or Rollback.
func (c *Connection) SetAutoCommit(ctx context.Context, on bool) error {
	return c.with(ctx, "SetAutoCommit", "", func(ctx context.Context, conn *sqlconn.Conn) error {
		return conn.SetAutoCommit(ctx, on)
	})
}

// Commit commits the current transaction.
func (c *Connection) Commit(ctx context.Context) error {
	return c.with(ctx, "Commit", "", func(ctx context.Context, conn *sqlconn.Conn) error {
		return conn.Commit(ctx)
	})
}

// Rollback rolls back the current transaction.
func (c *Connection) Rollback(ctx context.Context) error {
	return c.with(ctx, "Rollback", "", func(ctx context.Context, conn *sqlconn.Conn) error {
		return conn.Rollback(ctx)
	})
}

// Ping checks that the database is reachable over this connection.
func (c *Connection) Ping(ctx context.Context) error {
	return c.with(ctx, "Ping", "", func(ctx context.Context, conn *sqlconn.Conn) error {
		return conn.Ping(ctx)
	})
}

// Raw returns the physical connection. It is nil after Close.
func (c *Connection) Raw() *sqlconn.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pooled == nil {
		return nil
	}
	return c.pooled.Conn
}
