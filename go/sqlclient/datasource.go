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

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/sqlclient/go/mterrors"
	"github.com/multigres/sqlclient/go/pools/connpool"
	"github.com/multigres/sqlclient/go/sqlconn"
	"github.com/multigres/sqlclient/go/tools/ctxutil"
)

// DriverOpener prepares a driver for a source. sqlconn.Open is the default.
type DriverOpener func(sqlconn.Source) (*sqlconn.Driver, error)

// DataSource is a connection pool built from one configuration. A data
// source whose configuration is invalid is still created; the error is
// returned from every Get.
type DataSource struct {
	name   string
	config *DataSourceConfig
	err    error

	driver *sqlconn.Driver
	pool   *connpool.Pool[*sqlconn.Conn]
	logger *slog.Logger
	tracer trace.Tracer
}

// newDataSource builds a data source from a copy of cfg. It does no I/O
// beyond the background prefill of InitialPoolSize connections.
func newDataSource(ctx context.Context, name string, cfg Config, o *options) *DataSource {
	ds := &DataSource{
		name:   name,
		logger: o.logger.With("data_source", name),
		tracer: o.tracer,
	}

	ds.config, ds.err = ParseConfig(cfg.Clone())
	if ds.err != nil {
		ds.logger.WarnContext(ctx, "invalid data source configuration", "error", ds.err)
		return ds
	}

	driver, err := o.openDriver(ds.config.Source)
	if err != nil {
		ds.err = mterrors.MT14001(err.Error())
		ds.logger.WarnContext(ctx, "cannot open database driver", "error", ds.err)
		return ds
	}
	ds.driver = driver

	// The pool outlives the request that happened to build it.
	ds.pool = connpool.NewPool[*sqlconn.Conn](ctxutil.Detach(ctx), &connpool.Config{
		Name:              name,
		Capacity:          ds.config.MaxPoolSize,
		InitialSize:       ds.config.InitialPoolSize,
		AcquireTimeout:    ds.config.AcquireTimeout,
		IdleTimeout:       ds.config.MaxIdleTime,
		MaxLifetime:       ds.config.MaxLifetime,
		OpenWorkers:       ds.config.WorkerPoolSize,
		OpenRetryAttempts: ds.config.RetryAttempts,
		OpenRetryDelay:    ds.config.RetryDelay,
		ConnectionCount:   o.connCount,
		Logger:            o.logger,
		Tracer:            o.tracer,
	})
	ds.pool.Open(driver.Connect)

	ds.logger.InfoContext(ctx, "data source created", "source", ds.config.Source.String())
	return ds
}

// Name returns the data source name.
func (ds *DataSource) Name() string {
	return ds.name
}

// Config returns the parsed configuration, or nil if it was invalid.
func (ds *DataSource) Config() *DataSourceConfig {
	return ds.config
}

// Err returns the configuration error, if any.
func (ds *DataSource) Err() error {
	return ds.err
}

// Get leases a connection from the pool.
func (ds *DataSource) Get(ctx context.Context) (*Connection, error) {
	if ds.err != nil {
		return nil, ds.err
	}
	pooled, err := ds.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	return newConnection(pooled, ds.logger, ds.tracer, ds.spanAttributes()), nil
}

// Stats returns a snapshot of the pool. A data source with an invalid
// configuration reports zero values.
func (ds *DataSource) Stats() connpool.Stats {
	if ds.pool == nil {
		return connpool.Stats{}
	}
	return ds.pool.Stats()
}

// close tears the pool down and releases the driver handle.
func (ds *DataSource) close() {
	if ds.pool == nil {
		return
	}
	ds.pool.Close()
	if err := ds.driver.Close(); err != nil {
		ds.logger.Warn("error closing database driver", "error", err)
	}
}

// spanAttributes describes the data source on every connection span.
func (ds *DataSource) spanAttributes() []attribute.KeyValue {
	system := "other_sql"
	switch ds.config.Source.Driver {
	case sqlconn.DriverPostgres:
		system = "postgresql"
	case sqlconn.DriverMySQL:
		system = "mysql"
	case sqlconn.DriverSQLite3:
		system = "sqlite"
	}
	return []attribute.KeyValue{
		semconv.DBSystemNameKey.String(system),
		attribute.String("sqlclient.data_source", ds.name),
	}
}
