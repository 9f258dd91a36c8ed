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

// Package sqlclient is a SQL client that hands out pooled connections.
//
// A client either owns a private pool or shares one, by data source name,
// with every other client created against the same Registry:
//
//	client := sqlclient.NewShared(ctx, sqlclient.Config{
//		"url":         "jdbc:postgresql://localhost:5432/app",
//		"username":    "app",
//		"maxPoolSize": 10,
//	})
//	defer client.Close()
//
//	conn, err := client.GetConnection(ctx)
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//	rs, err := conn.Query(ctx, "SELECT id, name FROM users")
package sqlclient

import (
	"context"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/sqlclient/go/mterrors"
	"github.com/multigres/sqlclient/go/pools/connpool"
	"github.com/multigres/sqlclient/go/sqlconn"
)

type options struct {
	registry   *Registry
	logger     *slog.Logger
	connCount  connpool.ConnectionCount
	openDriver DriverOpener
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*options)

// WithRegistry sets the registry shared clients look their data source up
// in. Defaults to DefaultRegistry().
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithConnectionCount records db.client.connection.count for pools the
// client builds.
func WithConnectionCount(c connpool.ConnectionCount) Option {
	return func(o *options) { o.connCount = c }
}

// WithDriverOpener replaces sqlconn.Open for pools the client builds.
func WithDriverOpener(open DriverOpener) Option {
	return func(o *options) { o.openDriver = open }
}

// WithTracerProvider sets where connection spans go. Defaults to the
// global provider at the time the client is created.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp.Tracer(instrumentationName) }
}

const instrumentationName = "github.com/multigres/sqlclient/go/sqlclient"

func newOptions(opts []Option) *options {
	o := &options{
		registry:   DefaultRegistry(),
		logger:     slog.Default(),
		openDriver: sqlconn.Open,
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Client hands out pooled connections.
type Client struct {
	ds       *DataSource
	name     string
	shared   bool
	registry *Registry
	logger   *slog.Logger
	closed   atomic.Bool
}

// NewNonShared creates a client with its own pool built from cfg. It never
// fails; a configuration error is returned by the first GetConnection.
func NewNonShared(ctx context.Context, cfg Config, opts ...Option) *Client {
	o := newOptions(opts)
	name := dataSourceName(cfg, "")
	if name == "" {
		name = "nonshared"
	}
	return &Client{
		ds:     newDataSource(ctx, name, cfg, o),
		name:   name,
		logger: o.logger,
	}
}

// NewShared creates a client sharing the data source named by cfg's
// dataSourceName key, or DEFAULT_DS.
func NewShared(ctx context.Context, cfg Config, opts ...Option) *Client {
	return NewSharedNamed(ctx, cfg, dataSourceName(cfg, DefaultDataSourceName), opts...)
}

// NewSharedNamed creates a client sharing the data source called name.
// The first client for a name builds its pool from cfg; later clients for
// the same name reuse that pool and their cfg is ignored until every
// client for the name has been closed.
func NewSharedNamed(ctx context.Context, cfg Config, name string, opts ...Option) *Client {
	o := newOptions(opts)
	ds, isNew := o.registry.GetOrCreate(name, func() *DataSource {
		return newDataSource(ctx, name, cfg, o)
	})
	if !isNew {
		o.logger.DebugContext(ctx, "reusing shared data source; supplied configuration ignored",
			"data_source", name, "ref_count", o.registry.RefCount(name))
	}
	return &Client{
		ds:       ds,
		name:     name,
		shared:   true,
		registry: o.registry,
		logger:   o.logger,
	}
}

func dataSourceName(cfg Config, fallback string) string {
	if name, ok := cfg["dataSourceName"].(string); ok && name != "" {
		return name
	}
	return fallback
}

// GetConnection leases a connection. The caller must Close it.
//
// Errors match mterrors.ErrAlreadyClosed once the client is closed,
// ErrConfig for an invalid configuration, ErrPoolExhausted when no
// connection was free within acquireTimeoutMillis and ErrConnectionOpen
// when the driver could not connect. A cancelled ctx returns its cause.
func (c *Client) GetConnection(ctx context.Context) (*Connection, error) {
	if c.closed.Load() {
		return nil, mterrors.MT14004("client")
	}
	return c.ds.Get(ctx)
}

// ConnectionResult is the outcome of GetConnectionAsync. Exactly one of
// Conn and Err is set.
type ConnectionResult struct {
	Conn *Connection
	Err  error
}

// GetConnectionAsync is GetConnection delivering its result on a channel.
// The channel receives exactly one value and is then closed.
func (c *Client) GetConnectionAsync(ctx context.Context) <-chan ConnectionResult {
	ch := make(chan ConnectionResult, 1)
	if c.closed.Load() {
		ch <- ConnectionResult{Err: mterrors.MT14004("client")}
		close(ch)
		return ch
	}
	go func() {
		defer close(ch)
		conn, err := c.ds.Get(ctx)
		ch <- ConnectionResult{Conn: conn, Err: err}
	}()
	return ch
}

// Close releases the client's pool. A non-shared client tears its pool
// down; a shared client drops its reference and the last one tears the
// pool down. Connections still leased are closed when they are returned.
// Closing a closed client is a no-op.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if !c.shared {
		c.ds.close()
		return
	}
	refs := c.registry.Release(c.name)
	c.logger.Debug("released shared data source", "data_source", c.name, "ref_count", refs)
}

// IsClosed reports whether Close has been called.
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// IsShared reports whether the client uses a shared data source.
func (c *Client) IsShared() bool {
	return c.shared
}

// DataSourceName returns the name of the client's data source.
func (c *Client) DataSourceName() string {
	return c.name
}

// DataSource returns the client's data source.
func (c *Client) DataSource() *DataSource {
	return c.ds
}

// Stats returns a snapshot of the client's pool.
func (c *Client) Stats() connpool.Stats {
	return c.ds.Stats()
}
