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

package retry

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// backoff calculates the delay before each retry.
//
// reset may be called from a different goroutine than nextDelay.
type backoff interface {
	nextDelay() time.Duration
	reset()
}

// exponentialFullJitterBackoff implements "Full Jitter":
//
//	sleep = random_between(0, min(maxDelay, baseDelay * 2^attempt))
//
// See https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
type exponentialFullJitterBackoff struct {
	baseDelay     time.Duration
	maxDelay      time.Duration
	rng           *rand.Rand
	disableJitter bool

	mu      sync.Mutex
	attempt int
}

func newExponentialFullJitterBackoff(baseDelay, maxDelay time.Duration) *exponentialFullJitterBackoff {
	seed := uint64(time.Now().UnixNano())
	return &exponentialFullJitterBackoff{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		rng:       rand.New(rand.NewPCG(seed, seed)),
	}
}

// newExponentialBackoffNoJitter is deterministic, for tests.
func newExponentialBackoffNoJitter(baseDelay, maxDelay time.Duration) *exponentialFullJitterBackoff {
	return &exponentialFullJitterBackoff{
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		disableJitter: true,
	}
}

func (e *exponentialFullJitterBackoff) nextDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Shifting by more than 62 bits overflows int64.
	shift := min(e.attempt, 62)
	multiplier := int64(1) << shift
	base := int64(e.baseDelay)

	delay := e.maxDelay
	if base <= 0 || multiplier <= math.MaxInt64/base {
		delay = min(time.Duration(base*multiplier), e.maxDelay)
	}

	// rand.Rand is not safe for concurrent use; mu covers it.
	if !e.disableJitter {
		delay = time.Duration(float64(delay) * e.rng.Float64())
	}

	e.attempt++
	return delay
}

func (e *exponentialFullJitterBackoff) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempt = 0
}

// constantBackoff always waits the same delay. Used when the caller wants a
// fixed pause between attempts, such as between connection open retries.
type constantBackoff struct {
	delay time.Duration
}

func (c constantBackoff) nextDelay() time.Duration { return c.delay }

func (constantBackoff) reset() {}
