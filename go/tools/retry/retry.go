// Copyright 2025 Supabase, Inc.
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

// Package retry provides backoff-driven retry loops.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is returned by StartAttempt once the attempt budget
// configured with WithMaxAttempts has been spent.
var ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

// Timer abstracts time.After for tests.
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

type realTimer struct{}

func (realTimer) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Retry manages backoff state for a retry loop.
//
//	r := retry.New(100*time.Millisecond, 30*time.Second)
//	for attempt, err := range r.Attempts(ctx) {
//	    if err != nil {
//	        return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
//	    }
//	    if err := dial(); err == nil {
//	        return nil
//	    }
//	}
//
// A Retry is not safe for concurrent use, except for Reset.
type Retry struct {
	cfg     retryConfig
	attempt int
	timer   Timer
}

type retryConfig struct {
	initialDelay bool
	maxAttempts  int // 0 means unlimited
	backoff      backoff
}

// Option configures a Retry.
type Option func(*retryConfig)

// WithInitialDelay waits before the first attempt too. Use it when the
// caller has already tried once.
func WithInitialDelay() Option {
	return func(c *retryConfig) { c.initialDelay = true }
}

// WithMaxAttempts caps the number of attempts. StartAttempt returns
// ErrAttemptsExhausted once n attempts have started. n <= 0 means unlimited.
func WithMaxAttempts(n int) Option {
	return func(c *retryConfig) { c.maxAttempts = max(n, 0) }
}

// WithConstantDelay replaces exponential backoff with a fixed delay
// between attempts.
func WithConstantDelay(d time.Duration) Option {
	return func(c *retryConfig) { c.backoff = constantBackoff{delay: d} }
}

// New creates a Retry using exponential backoff with full jitter between
// baseDelay and maxDelay. It panics on invalid delays, which are coding errors.
func New(baseDelay, maxDelay time.Duration, opts ...Option) *Retry {
	if baseDelay <= 0 {
		panic("retry: BaseDelay must be positive")
	}
	if maxDelay <= 0 {
		panic("retry: MaxDelay must be positive")
	}
	if baseDelay > maxDelay {
		panic("retry: BaseDelay cannot be greater than MaxDelay")
	}

	cfg := retryConfig{
		backoff: newExponentialFullJitterBackoff(baseDelay, maxDelay),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Retry{
		cfg:   cfg,
		timer: realTimer{},
	}
}

// StartAttempt waits out the backoff delay before the next attempt. The
// first call returns immediately unless WithInitialDelay was given.
//
// It returns ctx.Err() if the context ends first, and ErrAttemptsExhausted
// when the attempt budget has been spent.
func (r *Retry) StartAttempt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.cfg.maxAttempts > 0 && r.attempt >= r.cfg.maxAttempts {
		return ErrAttemptsExhausted
	}

	if r.attempt > 0 || r.cfg.initialDelay {
		delay := r.cfg.backoff.nextDelay()
		select {
		case <-r.timer.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.attempt++
	return nil
}

// Attempt returns the number of attempts started so far.
func (r *Retry) Attempt() int {
	return r.attempt
}

// Reset restarts the backoff from the base delay. The attempt counter is
// not reset.
func (r *Retry) Reset() {
	r.cfg.backoff.reset()
}

// Attempts returns a range-over-func iterator of (attempt, err) pairs. err is
// nil for every attempt the caller should make; the final pair carries the
// reason the loop ended.
func (r *Retry) Attempts(ctx context.Context) func(yield func(int, error) bool) {
	return func(yield func(int, error) bool) {
		for {
			err := r.StartAttempt(ctx)
			if !yield(r.attempt, err) || err != nil {
				return
			}
		}
	}
}
