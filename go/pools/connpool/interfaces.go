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

// Package connpool provides a bounded connection pool with strict FIFO
// waiters, an acquire timeout and draining teardown.
package connpool

import "context"

// Connection is a physical connection managed by a Pool.
// Implementations must be safe for concurrent use by a single client.
type Connection interface {
	// IsClosed returns true if the connection has been closed.
	IsClosed() bool

	// IsHealthy returns false once the driver has reported the connection
	// as broken. Unhealthy connections are discarded instead of reused.
	IsHealthy() bool

	// Close closes the connection and releases associated resources.
	Close() error
}

// Connector opens a new physical connection.
type Connector[C Connection] func(ctx context.Context) (C, error)
