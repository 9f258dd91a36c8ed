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

import "time"

// Pooled wraps a connection with the metadata the pool needs to manage it.
type Pooled[C Connection] struct {
	// next is the next element in the idle stack.
	// This is only accessed while holding the pool's mutex.
	next *Pooled[C]

	// timeCreated is the monotonic time when this connection was opened.
	timeCreated timestamp

	// timeUsed is the monotonic time when this connection was last handed
	// out or returned. Used for idle timeout tracking.
	timeUsed timestamp

	// pool is the pool that owns this connection. It is cleared when the
	// connection is discarded.
	pool *Pool[C]

	// Conn is the underlying connection.
	Conn C
}

func newPooled[C Connection](pool *Pool[C], conn C) *Pooled[C] {
	p := &Pooled[C]{pool: pool, Conn: conn}
	p.timeCreated.update()
	p.timeUsed.update()
	return p
}

// Recycle returns the connection to its pool. Healthy connections go to
// the oldest waiter or back to the idle stack; closed or broken ones are
// discarded and their slot is freed.
// If the pool reference is nil, the connection is closed instead.
func (p *Pooled[C]) Recycle() {
	pool := p.pool
	switch {
	case pool == nil:
		p.Conn.Close()
	case p.Conn.IsClosed() || !p.Conn.IsHealthy() || pool.lifetimeExceeded(p):
		pool.discard(p)
	default:
		pool.release(p)
	}
}

// Taint removes this connection from the pool. It is closed and its slot
// is freed for a new connection.
func (p *Pooled[C]) Taint() {
	if p.pool == nil {
		return
	}
	p.pool.discard(p)
}

// Age returns how long ago the connection was opened.
func (p *Pooled[C]) Age() time.Duration {
	return p.timeCreated.elapsed()
}

// IdleTime returns how long ago the connection was last used.
func (p *Pooled[C]) IdleTime() time.Duration {
	return p.timeUsed.elapsed()
}
