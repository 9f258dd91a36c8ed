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

// Package sqlconn opens and wraps physical database connections through
// database/sql. The postgres, mysql and sqlite3 drivers are registered.
package sqlconn

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Driver opens physical connections to one database.
//
// database/sql keeps its own pool; Driver disables its idle cache so that
// closing a Conn really closes the physical connection, leaving pooling to
// connpool.
type Driver struct {
	db     *sqlx.DB
	source Source
}

// Open prepares a Driver for source. No connection is made until Connect.
// It fails if the driver name is not registered.
func Open(source Source) (*Driver, error) {
	db, err := sqlx.Open(source.Driver, source.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", source, err)
	}
	db.SetMaxIdleConns(0)
	db.SetMaxOpenConns(0)
	return NewDriver(db, source), nil
}

// NewDriver wraps an existing handle as is. Tests use it with go-sqlmock.
func NewDriver(db *sqlx.DB, source Source) *Driver {
	return &Driver{db: db, source: source}
}

// Source returns what the driver connects to.
func (d *Driver) Source() Source {
	return d.source
}

// Connect opens a new physical connection.
func (d *Driver) Connect(ctx context.Context) (*Conn, error) {
	conn, err := d.db.Connx(ctx)
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

// Close releases the underlying handle. Connections still open stay usable
// until they are closed.
func (d *Driver) Close() error {
	return d.db.Close()
}
