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
	"database/sql/driver"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/multigres/sqlclient/go/mterrors"
	"github.com/multigres/sqlclient/go/pools/connpool"
	"github.com/multigres/sqlclient/go/sqlconn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// mockOpener backs every data source with its own go-sqlmock database.
type mockOpener struct {
	mu    sync.Mutex
	mocks []sqlmock.Sqlmock
	opens atomic.Int32
}

func (m *mockOpener) open(src sqlconn.Source) (*sqlconn.Driver, error) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		return nil, err
	}
	m.opens.Add(1)
	m.mu.Lock()
	m.mocks = append(m.mocks, mock)
	m.mu.Unlock()
	return sqlconn.NewDriver(sqlx.NewDb(db, "sqlmock"), src), nil
}

func (m *mockOpener) mock(i int) sqlmock.Sqlmock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mocks[i]
}

const testURL = "jdbc:postgresql://db.test:5432/app"

func newTestOptions(reg *Registry, opener *mockOpener) []Option {
	return []Option{WithRegistry(reg), WithLogger(testLogger), WithDriverOpener(opener.open)}
}

func waitForWaiters(t *testing.T, c *Client, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Stats().Waiting == n
	}, 2*time.Second, time.Millisecond)
}

func TestNonSharedQueryRoundTrip(t *testing.T) {
	ctx := t.Context()
	client := NewNonShared(ctx, Config{"url": "sqlite::memory:", "maxPoolSize": 1}, WithLogger(testLogger))
	defer client.Close()

	assert.False(t, client.IsShared())

	conn, err := client.GetConnection(ctx)
	require.NoError(t, err)

	require.NoError(t, conn.Execute(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)"))
	res, err := conn.Update(ctx, "INSERT INTO users (name) VALUES (?)", "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Updated)
	assert.Equal(t, []any{int64(1)}, res.Keys)

	rs, err := conn.Query(ctx, "SELECT id, name FROM users")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, rs.Columns)
	assert.Equal(t, [][]any{{int64(1), "alice"}}, rs.Rows)
	assert.Equal(t, 1, rs.NumRows())

	conn.Close()
}

func TestConnectionTransactions(t *testing.T) {
	ctx := t.Context()
	client := NewNonShared(ctx, Config{"url": "sqlite::memory:", "maxPoolSize": 1}, WithLogger(testLogger))
	defer client.Close()

	conn, err := client.GetConnection(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Execute(ctx, "CREATE TABLE t (v INTEGER)"))

	count := func(conn *Connection) int64 {
		rs, err := conn.Query(ctx, "SELECT COUNT(*) FROM t")
		require.NoError(t, err)
		return rs.Rows[0][0].(int64)
	}

	require.NoError(t, conn.SetAutoCommit(ctx, false))
	_, err = conn.Update(ctx, "INSERT INTO t VALUES (1)")
	require.NoError(t, err)
	require.NoError(t, conn.Rollback(ctx))
	assert.EqualValues(t, 0, count(conn))

	_, err = conn.Update(ctx, "INSERT INTO t VALUES (2)")
	require.NoError(t, err)
	require.NoError(t, conn.Commit(ctx))
	assert.EqualValues(t, 1, count(conn))

	// An open transaction is rolled back when the connection goes back.
	_, err = conn.Update(ctx, "INSERT INTO t VALUES (3)")
	require.NoError(t, err)
	conn.Close()

	conn, err = client.GetConnection(ctx)
	require.NoError(t, err)
	defer conn.Close()
	assert.EqualValues(t, 1, count(conn))
	assert.True(t, conn.Raw().AutoCommit())
}

func TestDriverErrorsPassThrough(t *testing.T) {
	ctx := t.Context()
	client := NewNonShared(ctx, Config{"url": "sqlite::memory:", "maxPoolSize": 1}, WithLogger(testLogger))
	defer client.Close()

	conn, err := client.GetConnection(ctx)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Query(ctx, "SELECT * FROM missing")
	require.Error(t, err)
	assert.Equal(t, mterrors.KindUnknown, mterrors.KindOf(err))
	assert.Contains(t, err.Error(), "no such table")
}

func TestGetConnectionAfterCloseDoesNoIO(t *testing.T) {
	opener := &mockOpener{}
	reg := NewRegistry()
	for _, shared := range []bool{false, true} {
		var client *Client
		if shared {
			client = NewShared(t.Context(), Config{"url": testURL}, newTestOptions(reg, opener)...)
		} else {
			client = NewNonShared(t.Context(), Config{"url": testURL}, newTestOptions(reg, opener)...)
		}
		pool := client.DataSource().pool
		client.Close()
		client.Close() // no-op

		_, err := client.GetConnection(t.Context())
		assert.ErrorIs(t, err, mterrors.ErrAlreadyClosed)

		res := <-client.GetConnectionAsync(t.Context())
		assert.Nil(t, res.Conn)
		assert.ErrorIs(t, res.Err, mterrors.ErrAlreadyClosed)

		assert.Zero(t, pool.Metrics.GetCount())
		assert.Zero(t, pool.Metrics.OpenCount())
	}
	assert.EqualValues(t, 2, opener.opens.Load())
	assert.Empty(t, reg.Names())
}

func TestSharedClientsShareOnePool(t *testing.T) {
	opener := &mockOpener{}
	reg := NewRegistry()
	opts := newTestOptions(reg, opener)

	c1 := NewSharedNamed(t.Context(), Config{"url": testURL, "maxPoolSize": 3}, "orders", opts...)
	c2 := NewSharedNamed(t.Context(), Config{"url": testURL, "maxPoolSize": 7}, "orders", opts...)

	assert.True(t, c1.IsShared())
	assert.Same(t, c1.DataSource(), c2.DataSource())
	assert.Same(t, c1.DataSource().pool, c2.DataSource().pool)
	assert.Equal(t, 2, reg.RefCount("orders"))
	assert.EqualValues(t, 1, opener.opens.Load())

	// First writer wins.
	assert.EqualValues(t, 3, c2.Stats().Capacity)

	c1.Close()
	c1.Close()
	assert.Equal(t, 1, reg.RefCount("orders"))
	assert.False(t, c2.DataSource().pool.IsClosed())

	c2.Close()
	assert.Equal(t, 0, reg.RefCount("orders"))
	assert.Empty(t, reg.Names())
	assert.True(t, c2.DataSource().pool.IsClosed())

	// A new client after the last close builds a fresh pool from its own config.
	c3 := NewSharedNamed(t.Context(), Config{"url": testURL, "maxPoolSize": 7}, "orders", opts...)
	defer c3.Close()
	assert.NotSame(t, c1.DataSource(), c3.DataSource())
	assert.EqualValues(t, 7, c3.Stats().Capacity)
	assert.EqualValues(t, 2, opener.opens.Load())
}

func TestSharedDefaultName(t *testing.T) {
	opener := &mockOpener{}
	reg := NewRegistry()
	opts := newTestOptions(reg, opener)

	c1 := NewShared(t.Context(), Config{"url": testURL}, opts...)
	defer c1.Close()
	c2 := NewShared(t.Context(), Config{"url": testURL, "dataSourceName": "reports"}, opts...)
	defer c2.Close()

	assert.Equal(t, DefaultDataSourceName, c1.DataSourceName())
	assert.Equal(t, "reports", c2.DataSourceName())
	assert.Equal(t, []string{DefaultDataSourceName, "reports"}, reg.Names())
}

func TestSharedConcurrentCreate(t *testing.T) {
	opener := &mockOpener{}
	reg := NewRegistry()
	opts := newTestOptions(reg, opener)

	const n = 32
	clients := make([]*Client, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clients[i] = NewSharedNamed(context.Background(), Config{"url": testURL}, "race", opts...)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, opener.opens.Load())
	assert.Equal(t, n, reg.RefCount("race"))
	for _, c := range clients[1:] {
		assert.Same(t, clients[0].DataSource(), c.DataSource())
	}

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clients[i].Close()
		}()
	}
	wg.Wait()
	assert.Empty(t, reg.Names())
	assert.True(t, clients[0].DataSource().pool.IsClosed())
}

func TestReleaseHandsSamePhysicalConnectionToWaiter(t *testing.T) {
	client := NewNonShared(t.Context(), Config{"url": testURL, "maxPoolSize": 1},
		newTestOptions(NewRegistry(), &mockOpener{})...)
	defer client.Close()

	conn1, err := client.GetConnection(t.Context())
	require.NoError(t, err)
	raw1 := conn1.Raw()

	second := client.GetConnectionAsync(t.Context())
	waitForWaiters(t, client, 1)

	conn1.Close()
	res := <-second
	require.NoError(t, res.Err)
	assert.Same(t, raw1, res.Conn.Raw())
	assert.True(t, conn1.IsClosed())
	assert.False(t, res.Conn.IsClosed())
	res.Conn.Close()

	_, ok := <-second
	assert.False(t, ok, "channel is closed after its single result")
}

func TestWaitersServedFIFO(t *testing.T) {
	client := NewNonShared(t.Context(), Config{"url": testURL, "maxPoolSize": 1},
		newTestOptions(NewRegistry(), &mockOpener{})...)
	defer client.Close()

	conn, err := client.GetConnection(t.Context())
	require.NoError(t, err)

	a := client.GetConnectionAsync(t.Context())
	waitForWaiters(t, client, 1)
	b := client.GetConnectionAsync(t.Context())
	waitForWaiters(t, client, 2)

	conn.Close()
	resA := <-a
	require.NoError(t, resA.Err)
	select {
	case <-b:
		t.Fatal("B was served before A released")
	case <-time.After(20 * time.Millisecond):
	}

	resA.Conn.Close()
	resB := <-b
	require.NoError(t, resB.Err)
	resB.Conn.Close()
}

func TestAcquireTimeout(t *testing.T) {
	client := NewNonShared(t.Context(), Config{"url": testURL, "maxPoolSize": 1, "acquireTimeoutMillis": 30},
		newTestOptions(NewRegistry(), &mockOpener{})...)
	defer client.Close()

	conn, err := client.GetConnection(t.Context())
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	_, err = client.GetConnection(t.Context())
	assert.ErrorIs(t, err, mterrors.ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Zero(t, client.Stats().Waiting)
}

func TestInvalidConfigSurfacesOnGetConnection(t *testing.T) {
	opener := &mockOpener{}
	client := NewNonShared(t.Context(), Config{"url": testURL, "maxPoolSize": -1},
		newTestOptions(NewRegistry(), opener)...)
	defer client.Close()

	_, err := client.GetConnection(t.Context())
	assert.ErrorIs(t, err, mterrors.ErrConfig)

	res := <-client.GetConnectionAsync(t.Context())
	assert.Nil(t, res.Conn)
	assert.ErrorIs(t, res.Err, mterrors.ErrConfig)

	assert.Zero(t, opener.opens.Load())
	assert.Equal(t, connpool.Stats{}, client.Stats())
}

func TestConnectionOpenError(t *testing.T) {
	url := "sqlite:" + t.TempDir() + "/missing/dir/app.db"
	client := NewNonShared(t.Context(), Config{"url": url, "maxPoolSize": 2}, WithLogger(testLogger))
	defer client.Close()

	_, err := client.GetConnection(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, mterrors.ErrConnectionOpen)
	assert.Zero(t, client.Stats().Active)
}

func TestConnectionUseAfterClose(t *testing.T) {
	client := NewNonShared(t.Context(), Config{"url": testURL},
		newTestOptions(NewRegistry(), &mockOpener{})...)
	defer client.Close()

	conn, err := client.GetConnection(t.Context())
	require.NoError(t, err)
	conn.Close()
	conn.Close()

	ctx := t.Context()
	assert.ErrorIs(t, conn.Execute(ctx, "SELECT 1"), mterrors.ErrAlreadyClosed)
	_, err = conn.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, mterrors.ErrAlreadyClosed)
	_, err = conn.Update(ctx, "DELETE FROM t")
	assert.ErrorIs(t, err, mterrors.ErrAlreadyClosed)
	assert.ErrorIs(t, conn.SetAutoCommit(ctx, false), mterrors.ErrAlreadyClosed)
	assert.ErrorIs(t, conn.Commit(ctx), mterrors.ErrAlreadyClosed)
	assert.ErrorIs(t, conn.Rollback(ctx), mterrors.ErrAlreadyClosed)
	assert.Nil(t, conn.Raw())

	stats := client.Stats()
	assert.EqualValues(t, 0, stats.InUse)
	assert.EqualValues(t, 1, stats.Idle)
}

func TestBrokenConnectionIsDiscarded(t *testing.T) {
	opener := &mockOpener{}
	client := NewNonShared(t.Context(), Config{"url": testURL, "maxPoolSize": 1},
		newTestOptions(NewRegistry(), opener)...)
	defer client.Close()

	conn, err := client.GetConnection(t.Context())
	require.NoError(t, err)

	opener.mock(0).ExpectExec("SELECT 1").WillReturnError(driver.ErrBadConn)
	require.Error(t, conn.Execute(t.Context(), "SELECT 1"))
	conn.Close()

	stats := client.Stats()
	assert.EqualValues(t, 0, stats.Active)
	assert.EqualValues(t, 0, stats.Idle)
	assert.EqualValues(t, 1, client.DataSource().pool.Metrics.DiscardCount())
}

func TestCloseWithLeasedConnection(t *testing.T) {
	client := NewNonShared(t.Context(), Config{"url": testURL, "maxPoolSize": 2},
		newTestOptions(NewRegistry(), &mockOpener{})...)

	leased, err := client.GetConnection(t.Context())
	require.NoError(t, err)
	idle, err := client.GetConnection(t.Context())
	require.NoError(t, err)
	idleRaw := idle.Raw()
	idle.Close()

	waiting := client.GetConnectionAsync(t.Context())
	require.Eventually(t, func() bool { return client.Stats().Idle == 0 }, time.Second, time.Millisecond)
	res := <-waiting
	require.NoError(t, res.Err)
	assert.Same(t, idleRaw, res.Conn.Raw())
	res.Conn.Close()

	leasedRaw := leased.Raw()
	client.Close()

	assert.True(t, idleRaw.IsClosed(), "idle connections close on teardown")
	assert.False(t, leasedRaw.IsClosed(), "leased connections stay usable")

	leased.Close()
	assert.True(t, leasedRaw.IsClosed(), "leased connections close when returned")
	assert.EqualValues(t, 0, client.Stats().Active)
}

func TestCloseFailsQueuedWaiters(t *testing.T) {
	client := NewNonShared(t.Context(), Config{"url": testURL, "maxPoolSize": 1, "acquireTimeoutMillis": 0},
		newTestOptions(NewRegistry(), &mockOpener{})...)

	conn, err := client.GetConnection(t.Context())
	require.NoError(t, err)

	waiting := client.GetConnectionAsync(t.Context())
	waitForWaiters(t, client, 1)

	client.Close()
	res := <-waiting
	assert.Nil(t, res.Conn)
	assert.ErrorIs(t, res.Err, mterrors.ErrAlreadyClosed)

	conn.Close()
}

func TestGetConnectionCancelled(t *testing.T) {
	client := NewNonShared(t.Context(), Config{"url": testURL, "maxPoolSize": 1, "acquireTimeoutMillis": 0},
		newTestOptions(NewRegistry(), &mockOpener{})...)
	defer client.Close()

	conn, err := client.GetConnection(t.Context())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(t.Context())
	waiting := client.GetConnectionAsync(ctx)
	waitForWaiters(t, client, 1)
	cancel()

	res := <-waiting
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Zero(t, client.Stats().Waiting)
}

func TestPoolBoundUnderLoad(t *testing.T) {
	const capacity = 3
	client := NewNonShared(t.Context(), Config{"url": testURL, "maxPoolSize": capacity, "acquireTimeoutMillis": 0},
		newTestOptions(NewRegistry(), &mockOpener{})...)
	defer client.Close()

	var inUse, maxInUse atomic.Int64
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				conn, err := client.GetConnection(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				n := inUse.Add(1)
				for {
					m := maxInUse.Load()
					if n <= m || maxInUse.CompareAndSwap(m, n) {
						break
					}
				}
				s := client.Stats()
				assert.LessOrEqual(t, s.Active, int64(capacity))
				assert.LessOrEqual(t, s.Idle+s.InUse, int64(capacity))
				inUse.Add(-1)
				conn.Close()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxInUse.Load(), int64(capacity))
	s := client.Stats()
	assert.EqualValues(t, 0, s.InUse)
	assert.LessOrEqual(t, s.Idle, int64(capacity))
}
