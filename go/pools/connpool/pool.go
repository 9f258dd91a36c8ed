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
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/semconv/v1.37.0/dbconv"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/multigres/sqlclient/go/mterrors"
	"github.com/multigres/sqlclient/go/tools/ctxutil"
	"github.com/multigres/sqlclient/go/tools/list"
	"github.com/multigres/sqlclient/go/tools/retry"
	"github.com/multigres/sqlclient/go/tools/timer"
)

// ErrPoolClosed is returned when operating on a closed pool. It matches
// mterrors.ErrAlreadyClosed.
var ErrPoolClosed error = mterrors.MT14004("connection pool")

const (
	defaultCapacity       = 15
	defaultOpenRetryDelay = 100 * time.Millisecond
)

var (
	stateIdle = dbconv.ClientConnectionStateIdle
	stateUsed = dbconv.ClientConnectionStateUsed
)

// Config holds configuration for a connection pool.
type Config struct {
	// Name identifies the pool in logs and metrics.
	Name string

	// Capacity is the maximum number of open connections, idle and in use.
	Capacity int64

	// InitialSize connections are opened in the background by Open.
	InitialSize int64

	// AcquireTimeout bounds how long Get waits in the queue once the pool is
	// at capacity. Zero means wait until the caller's context ends.
	AcquireTimeout time.Duration

	// IdleTimeout is how long a connection can be idle before being closed.
	// If 0, connections are never closed due to idle time.
	IdleTimeout time.Duration

	// MaxLifetime is the maximum lifetime of a connection.
	// If 0, connections are never closed due to age.
	MaxLifetime time.Duration

	// OpenWorkers bounds how many physical connections may be opening at
	// the same time. Defaults to Capacity.
	OpenWorkers int64

	// OpenRetryAttempts is how many times opening a connection is attempted
	// before giving up. Defaults to 1.
	OpenRetryAttempts int

	// OpenRetryDelay is the pause between open attempts.
	OpenRetryDelay time.Duration

	// ConnectionCount records db.client.connection.count. Optional.
	ConnectionCount ConnectionCount

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Tracer records background opens as spans linked to the context
	// NewPool was called with. Optional.
	Tracer trace.Tracer
}

// Pool is a bounded pool of connections.
//
// Connections are handed out LIFO from the idle stack. When the pool is at
// capacity, Get queues the caller and queued callers are served strictly in
// arrival order as connections come back. The invariant
// idle + in use <= Capacity holds at every point, counting connections that
// are still being opened as in use.
type Pool[C Connection] struct {
	config struct {
		capacity          int64
		initialSize       int64
		acquireTimeout    time.Duration
		idleTimeout       time.Duration
		maxLifetime       time.Duration
		openRetryAttempts int
		openRetryDelay    time.Duration
	}

	name      string
	logger    *slog.Logger
	tracer    trace.Tracer
	connCount ConnectionCount

	// ctx scopes background work (replacement opens, prefill, idle reaping)
	// and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	connect Connector[C]
	openSem *semaphore.Weighted

	// mu guards everything below.
	mu       sync.Mutex
	idle     connStack[C]
	wait     waitlist[C]
	active   int64 // idle + borrowed
	borrowed int64 // handed out, or being opened for a caller
	closed   bool

	workers    sync.WaitGroup
	idleRunner *timer.PeriodicRunner

	Metrics Metrics
}

// NewPool creates a pool. Open must be called before Get.
func NewPool[C Connection](ctx context.Context, cfg *Config) *Pool[C] {
	p := &Pool[C]{
		name:      cfg.Name,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		connCount: cfg.ConnectionCount,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.tracer == nil {
		p.tracer = noop.NewTracerProvider().Tracer("")
	}
	p.logger = p.logger.With("pool", p.name)

	p.config.capacity = cfg.Capacity
	if p.config.capacity <= 0 {
		p.config.capacity = defaultCapacity
	}
	p.config.initialSize = min(max(cfg.InitialSize, 0), p.config.capacity)
	p.config.acquireTimeout = cfg.AcquireTimeout
	p.config.idleTimeout = cfg.IdleTimeout
	p.config.maxLifetime = cfg.MaxLifetime
	p.config.openRetryAttempts = max(cfg.OpenRetryAttempts, 1)
	p.config.openRetryDelay = cfg.OpenRetryDelay
	if p.config.openRetryDelay <= 0 {
		p.config.openRetryDelay = defaultOpenRetryDelay
	}

	workers := cfg.OpenWorkers
	if workers <= 0 {
		workers = p.config.capacity
	}
	p.openSem = semaphore.NewWeighted(workers)

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wait.init()
	return p
}

// Open sets the connector, starts the idle reaper and opens InitialSize
// connections in the background. Failures while prefilling are logged;
// they surface to callers on their own Get.
func (p *Pool[C]) Open(connect Connector[C]) {
	p.connect = connect

	if p.config.idleTimeout > 0 {
		p.idleRunner = timer.NewPeriodicRunner(p.ctx, p.config.idleTimeout/2)
		p.idleRunner.Start(p.closeIdleResources)
	}

	for range p.config.initialSize {
		if !p.prefillOne() {
			break
		}
	}

	p.logger.InfoContext(p.ctx, "connection pool opened",
		"capacity", p.config.capacity,
		"initial_size", p.config.initialSize,
		"acquire_timeout", p.config.acquireTimeout,
		"idle_timeout", p.config.idleTimeout,
		"max_lifetime", p.config.maxLifetime,
	)
}

// Name returns the pool name.
func (p *Pool[C]) Name() string {
	return p.name
}

// Capacity returns the maximum number of connections.
func (p *Pool[C]) Capacity() int64 {
	return p.config.capacity
}

// Get returns a leased connection. An idle connection is reused when there
// is one; otherwise a new one is opened if the pool is below capacity.
// When the pool is at capacity the caller is queued until a connection is
// returned, AcquireTimeout elapses (mterrors.ErrPoolExhausted), ctx ends,
// or the pool is closed (ErrPoolClosed).
func (p *Pool[C]) Get(ctx context.Context) (*Pooled[C], error) {
	p.Metrics.getCount.Add(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	conn, stale := p.popIdle()
	if conn != nil {
		p.borrowed++
		p.mu.Unlock()
		p.closeStale(ctx, stale)

		conn.timeUsed.update()
		p.connCount.Add(ctx, -1, p.name, stateIdle)
		p.connCount.Add(ctx, 1, p.name, stateUsed)
		return conn, nil
	}

	if p.active < p.config.capacity {
		p.active++
		p.borrowed++
		p.mu.Unlock()
		p.closeStale(ctx, stale)

		conn, err := p.connNew(ctx)
		if err != nil {
			p.abandonSlot()
			return nil, err
		}
		p.connCount.Add(ctx, 1, p.name, stateUsed)
		return conn, nil
	}

	elem := p.wait.enqueue()
	p.mu.Unlock()
	p.closeStale(ctx, stale)

	return p.waitForConn(ctx, elem)
}

// waitForConn blocks until elem is handed a connection or gives up.
func (p *Pool[C]) waitForConn(ctx context.Context, elem *list.Element[waiter[C]]) (*Pooled[C], error) {
	defer p.wait.release(elem)

	p.Metrics.waitCount.Add(1)
	start := time.Now()
	defer func() {
		p.Metrics.waitTime.Add(int64(time.Since(start)))
	}()

	waitCtx := ctx
	if timeout := p.config.acquireTimeout; timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeoutCause(ctx, timeout, mterrors.MT14003(timeout, p.name))
		defer cancel()
	}

	select {
	case h := <-elem.Value.result:
		return h.conn, h.err
	case <-waitCtx.Done():
	}

	p.mu.Lock()
	removed := p.wait.remove(elem)
	p.mu.Unlock()

	if !removed {
		// Somebody dequeued us before we could leave. They hold a connection
		// or an error for us and send it without further I/O.
		h := <-elem.Value.result
		return h.conn, h.err
	}

	err := context.Cause(waitCtx)
	if errors.Is(err, mterrors.ErrPoolExhausted) {
		p.Metrics.timeoutCount.Add(1)
		p.logger.DebugContext(ctx, "acquire timed out", "waiting", p.Waiting())
	}
	return nil, err
}

// popIdle pops the most recently used healthy idle connection. Idle
// connections found closed, broken or past MaxLifetime on the way are
// returned as stale for the caller to close once mu is released.
// Must be called with mu held.
func (p *Pool[C]) popIdle() (*Pooled[C], []*Pooled[C]) {
	var stale []*Pooled[C]
	for {
		conn, ok := p.idle.Pop()
		if !ok {
			return nil, stale
		}
		if conn.Conn.IsClosed() || !conn.Conn.IsHealthy() || p.lifetimeExceeded(conn) {
			p.active--
			stale = append(stale, conn)
			continue
		}
		return conn, stale
	}
}

func (p *Pool[C]) closeStale(ctx context.Context, stale []*Pooled[C]) {
	for _, conn := range stale {
		if p.lifetimeExceeded(conn) {
			p.Metrics.maxLifetimeClosed.Add(1)
		}
		p.connCount.Add(ctx, -1, p.name, stateIdle)
		p.closeConn(conn)
	}
}

func (p *Pool[C]) lifetimeExceeded(conn *Pooled[C]) bool {
	return p.config.maxLifetime > 0 && conn.Age() > p.config.maxLifetime
}

// release returns a healthy leased connection. The oldest waiter gets it
// directly; otherwise it goes back to the idle stack.
func (p *Pool[C]) release(conn *Pooled[C]) {
	conn.timeUsed.update()

	p.mu.Lock()
	if p.closed {
		p.active--
		p.borrowed--
		p.mu.Unlock()

		p.connCount.Add(p.ctx, -1, p.name, stateUsed)
		p.closeConn(conn)
		return
	}

	if w := p.wait.dequeue(); w != nil {
		p.mu.Unlock()
		w.result <- handoff[C]{conn: conn}
		return
	}

	p.borrowed--
	p.idle.Push(conn)
	p.mu.Unlock()

	p.connCount.Add(p.ctx, -1, p.name, stateUsed)
	p.connCount.Add(p.ctx, 1, p.name, stateIdle)
}

// discard drops a leased connection and frees its slot. If callers are
// queued, a replacement is opened for them.
func (p *Pool[C]) discard(conn *Pooled[C]) {
	conn.pool = nil
	p.Metrics.discardCount.Add(1)
	if p.lifetimeExceeded(conn) {
		p.Metrics.maxLifetimeClosed.Add(1)
	}

	p.mu.Lock()
	p.active--
	p.borrowed--
	replace := p.reserveReplacement()
	p.mu.Unlock()

	p.connCount.Add(p.ctx, -1, p.name, stateUsed)
	p.closeConn(conn)
	p.logger.Debug("discarded connection", "age", conn.Age())

	if replace {
		go p.openReplacement()
	}
}

// abandonSlot gives back a slot reserved for an open that failed.
func (p *Pool[C]) abandonSlot() {
	p.mu.Lock()
	p.active--
	p.borrowed--
	replace := p.reserveReplacement()
	p.mu.Unlock()

	if replace {
		go p.openReplacement()
	}
}

// reserveReplacement reserves a slot to open a connection for the queued
// callers, if there are any and the pool has room. The callers stay queued.
// Must be called with mu held.
func (p *Pool[C]) reserveReplacement() bool {
	if p.closed || p.active >= p.config.capacity || p.wait.waiting() == 0 {
		return false
	}
	p.active++
	p.borrowed++
	p.workers.Add(1)
	return true
}

// openReplacement opens a connection into a slot reserved by
// reserveReplacement and releases it, so it goes to whoever is queued first
// once it is ready, or to the idle stack if nobody is left. Queued callers
// keep their own deadlines while the open is in flight. A failed open is
// reported to the first queued caller, if any.
func (p *Pool[C]) openReplacement() {
	defer p.workers.Done()

	conn, err := p.connNew(p.ctx)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.borrowed--
		var w *waiter[C]
		if !p.closed {
			w = p.wait.dequeue()
		}
		replace := p.reserveReplacement()
		p.mu.Unlock()

		if w != nil {
			w.result <- handoff[C]{err: err}
		}
		if replace {
			go p.openReplacement()
		}
		return
	}
	p.connCount.Add(p.ctx, 1, p.name, stateUsed)
	p.release(conn)
}

// prefillOne reserves a slot and opens a connection into the idle stack in
// the background. It returns false once the pool is full or closed.
func (p *Pool[C]) prefillOne() bool {
	p.mu.Lock()
	if p.closed || p.active >= p.config.capacity {
		p.mu.Unlock()
		return false
	}
	p.active++
	p.borrowed++
	p.workers.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.workers.Done()

		_, span := ctxutil.StartLinkedSpan(p.ctx, p.tracer, "connpool.Prefill",
			trace.WithAttributes(attribute.String("pool", p.name)))
		defer span.End()

		conn, err := p.connNew(p.ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.abandonSlot()
			if !errors.Is(err, ErrPoolClosed) {
				p.logger.WarnContext(p.ctx, "failed to prefill connection", "error", err)
			}
			return
		}
		p.connCount.Add(p.ctx, 1, p.name, stateUsed)
		p.release(conn)
	}()
	return true
}

// connNew opens a physical connection, retrying up to OpenRetryAttempts
// times. Driver failures are returned as mterrors.ErrConnectionOpen; errors
// the connector already classified (such as configuration errors) are
// returned unchanged.
func (p *Pool[C]) connNew(ctx context.Context) (*Pooled[C], error) {
	if err := p.openSem.Acquire(ctx, 1); err != nil {
		return nil, p.ctxErr(ctx)
	}
	defer p.openSem.Release(1)

	r := retry.New(p.config.openRetryDelay, p.config.openRetryDelay,
		retry.WithMaxAttempts(p.config.openRetryAttempts),
		retry.WithConstantDelay(p.config.openRetryDelay))

	var openErr error
	for attempt, err := range r.Attempts(ctx) {
		if err != nil {
			if openErr == nil || !errors.Is(err, retry.ErrAttemptsExhausted) {
				return nil, p.ctxErr(ctx)
			}
			break
		}

		conn, err := p.connect(ctx)
		if err == nil {
			p.Metrics.openCount.Add(1)
			return newPooled(p, conn), nil
		}

		p.Metrics.openErrorCount.Add(1)
		openErr = err
		p.logger.WarnContext(ctx, "failed to open connection", "attempt", attempt, "error", err)
		if mterrors.KindOf(err) != mterrors.KindUnknown {
			return nil, err
		}
	}
	return nil, mterrors.MT14002(p.name, openErr)
}

// ctxErr maps the end of ctx to the error returned to the caller. Work
// abandoned because the pool closed reports ErrPoolClosed.
func (p *Pool[C]) ctxErr(ctx context.Context) error {
	if p.ctx.Err() != nil && ctx == p.ctx {
		return ErrPoolClosed
	}
	return context.Cause(ctx)
}

func (p *Pool[C]) closeConn(conn *Pooled[C]) {
	if conn.Conn.IsClosed() {
		return
	}
	if err := conn.Conn.Close(); err != nil {
		p.logger.Warn("error closing connection", "error", err)
	}
}

// closeIdleResources closes idle connections that exceeded IdleTimeout or
// MaxLifetime. Run periodically by the idle reaper.
func (p *Pool[C]) closeIdleResources(ctx context.Context) {
	p.mu.Lock()
	expired := p.idle.Filter(func(conn *Pooled[C]) bool {
		return conn.IdleTime() <= p.config.idleTimeout && !p.lifetimeExceeded(conn)
	})
	p.active -= int64(len(expired))
	p.mu.Unlock()

	for _, conn := range expired {
		if p.lifetimeExceeded(conn) {
			p.Metrics.maxLifetimeClosed.Add(1)
		} else {
			p.Metrics.idleClosed.Add(1)
		}
		p.connCount.Add(ctx, -1, p.name, stateIdle)
		p.closeConn(conn)
	}
	if len(expired) > 0 {
		p.logger.DebugContext(ctx, "closed idle connections", "count", len(expired))
	}
}

// Close tears the pool down: idle connections are closed, queued callers
// fail with ErrPoolClosed, and connections still in use are closed when
// they are recycled. Errors closing connections are logged, not returned.
// Closing a closed pool is a no-op.
func (p *Pool[C]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle.Drain()
	p.active -= int64(len(idle))
	waiters := p.wait.drain()
	inUse := p.borrowed
	p.mu.Unlock()

	p.cancel()
	if p.idleRunner != nil {
		p.idleRunner.Stop()
	}

	for _, w := range waiters {
		w.result <- handoff[C]{err: ErrPoolClosed}
	}
	for _, conn := range idle {
		p.connCount.Add(context.Background(), -1, p.name, stateIdle)
		p.closeConn(conn)
	}
	p.workers.Wait()

	p.logger.Info("connection pool closed",
		"closed_idle", len(idle),
		"failed_waiters", len(waiters),
		"in_use", inUse,
	)
}

// IsClosed reports whether Close has been called.
func (p *Pool[C]) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Active returns the number of open connections, idle and in use.
func (p *Pool[C]) Active() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// InUse returns the number of leased connections.
func (p *Pool[C]) InUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.borrowed
}

// Available returns the number of idle connections.
func (p *Pool[C]) Available() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(p.idle.Len())
}

// Waiting returns the number of queued Get calls.
func (p *Pool[C]) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wait.waiting()
}

// Stats is a consistent snapshot of the pool.
type Stats struct {
	Capacity int64
	Active   int64
	InUse    int64
	Idle     int64
	Waiting  int64
	Closed   bool
}

// Stats returns a snapshot of the pool taken under its lock.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity: p.config.capacity,
		Active:   p.active,
		InUse:    p.borrowed,
		Idle:     int64(p.idle.Len()),
		Waiting:  int64(p.wait.waiting()),
		Closed:   p.closed,
	}
}
