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

package connpool

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/semconv/v1.37.0/dbconv"
)

const (
	attrKeyPoolName = "db.client.connection.pool.name"
	attrKeyState    = "db.client.connection.state"
)

// ConnectionCount wraps the OpenTelemetry db.client.connection.count
// UpDownCounter. The zero value records nothing, so pools created without a
// meter can use it unconditionally.
type ConnectionCount struct {
	counter metric.Int64UpDownCounter
}

// NewConnectionCount creates the db.client.connection.count instrument on m.
// A single instrument is shared by every pool; the pool name is an attribute.
func NewConnectionCount(m metric.Meter) (ConnectionCount, error) {
	// Metric name and description from dbconv.ClientConnectionCount
	counter, err := m.Int64UpDownCounter(
		"db.client.connection.count",
		metric.WithDescription("The number of connections that are currently in state described by the state attribute."),
		metric.WithUnit("{connection}"),
	)
	return ConnectionCount{counter: counter}, err
}

// Add records delta connections entering (or leaving, if negative) state.
func (c ConnectionCount) Add(ctx context.Context, delta int64, poolName string, state dbconv.ClientConnectionStateAttr) {
	if c.counter == nil {
		return
	}
	c.counter.Add(ctx, delta, metric.WithAttributes(
		attribute.String(attrKeyPoolName, poolName),
		attribute.String(attrKeyState, string(state)),
	))
}

// Metrics are cumulative counters kept by every pool.
type Metrics struct {
	getCount          atomic.Int64
	waitCount         atomic.Int64
	waitTime          atomic.Int64
	timeoutCount      atomic.Int64
	openCount         atomic.Int64
	openErrorCount    atomic.Int64
	discardCount      atomic.Int64
	idleClosed        atomic.Int64
	maxLifetimeClosed atomic.Int64
}

// GetCount returns the number of Get calls.
func (m *Metrics) GetCount() int64 { return m.getCount.Load() }

// WaitCount returns the number of Get calls that had to queue.
func (m *Metrics) WaitCount() int64 { return m.waitCount.Load() }

// WaitTime returns the total time spent queued.
func (m *Metrics) WaitTime() time.Duration { return time.Duration(m.waitTime.Load()) }

// TimeoutCount returns the number of queued Get calls that hit the acquire timeout.
func (m *Metrics) TimeoutCount() int64 { return m.timeoutCount.Load() }

// OpenCount returns the number of physical connections opened.
func (m *Metrics) OpenCount() int64 { return m.openCount.Load() }

// OpenErrorCount returns the number of failed physical connection opens.
func (m *Metrics) OpenErrorCount() int64 { return m.openErrorCount.Load() }

// DiscardCount returns the number of leased connections dropped instead of reused.
func (m *Metrics) DiscardCount() int64 { return m.discardCount.Load() }

// IdleClosed returns the number of connections closed by the idle reaper.
func (m *Metrics) IdleClosed() int64 { return m.idleClosed.Load() }

// MaxLifetimeClosed returns the number of connections closed for exceeding MaxLifetime.
func (m *Metrics) MaxLifetimeClosed() int64 { return m.maxLifetimeClosed.Load() }
