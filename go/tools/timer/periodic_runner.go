// Copyright 2019 The Vitess Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Modifications Copyright 2025 Supabase, Inc.

// Package timer provides PeriodicRunner for running callbacks at regular intervals.
package timer

import (
	"context"
	"sync"
	"time"
)

// PeriodicRunner runs a callback at a fixed interval until stopped.
//
// The next run is only scheduled once the current one returns, so a slow
// callback never overlaps with itself. The connection pool uses it to reap
// idle connections:
//
//	runner := timer.NewPeriodicRunner(ctx, idleTimeout/2)
//	runner.Start(pool.closeIdleConnections)
//	defer runner.Stop()
type PeriodicRunner struct {
	parent   context.Context
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc // nil when stopped
	timer  *time.Timer
	wg     sync.WaitGroup
}

// NewPeriodicRunner creates a stopped runner. Each Start derives a child
// context of ctx that is cancelled by Stop.
func NewPeriodicRunner(ctx context.Context, interval time.Duration) *PeriodicRunner {
	return &PeriodicRunner{
		parent:   ctx,
		interval: interval,
	}
}

// Start begins running callback every interval. It returns false if the
// runner is already running.
func (r *PeriodicRunner) Start(callback func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(r.parent)
	r.cancel = cancel
	r.schedule(ctx, callback)
	return true
}

// schedule arms the timer for the next run. Must be called with r.mu held.
func (r *PeriodicRunner) schedule(ctx context.Context, callback func(ctx context.Context)) {
	r.timer = time.AfterFunc(r.interval, func() {
		r.mu.Lock()
		if ctx.Err() != nil {
			r.mu.Unlock()
			return
		}
		r.wg.Add(1)
		r.mu.Unlock()

		callback(ctx)

		r.mu.Lock()
		defer r.mu.Unlock()
		r.wg.Done()
		if ctx.Err() == nil {
			r.schedule(ctx, callback)
		}
	})
}

// Stop cancels the runner's context and waits for an in-flight callback to
// return. Stopping a stopped runner is a no-op; a stopped runner may be
// started again.
func (r *PeriodicRunner) Stop() {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.cancel = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// Running reports whether the runner has been started and not stopped.
func (r *PeriodicRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}
