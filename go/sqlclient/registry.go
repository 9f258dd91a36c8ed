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
	"maps"
	"slices"
	"sync"

	"github.com/multigres/sqlclient/go/pools/connpool"
)

// Registry maps data source names to shared data sources and counts the
// clients referencing each one.
//
// A single mutex covers lookup-or-create and decrement-or-remove, so two
// concurrent creates for the same name end up with one data source and a
// reference count of two. Entries are created by the first GetOrCreate for
// a name and removed, and their pool torn down, when the last reference is
// released.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	ds   *DataSource
	refs int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry used by shared clients
// unless WithRegistry says otherwise.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// GetOrCreate returns the data source registered under name and takes a
// reference to it. If there is none, create builds it and isNew is true.
// create runs under the registry lock and must not block.
func (r *Registry) GetOrCreate(name string, create func() *DataSource) (ds *DataSource, isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		e.refs++
		return e.ds, false
	}

	e := &registryEntry{ds: create(), refs: 1}
	r.entries[name] = e
	return e.ds, true
}

// Release drops one reference to name and returns how many remain. When
// none remain the entry is removed and its data source closed, after the
// registry lock is released. Releasing an unknown name returns 0.
func (r *Registry) Release(name string) int {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	e.refs--
	refs := e.refs
	if refs == 0 {
		delete(r.entries, name)
	}
	r.mu.Unlock()

	if refs == 0 {
		e.ds.close()
	}
	return refs
}

// RefCount returns the number of references to name.
func (r *Registry) RefCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e.refs
	}
	return 0
}

// Lookup returns the data source registered under name without taking a
// reference.
func (r *Registry) Lookup(name string) (*DataSource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.ds, true
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.entries))
}

// DataSourceStats describes one registry entry.
type DataSourceStats struct {
	Name     string
	RefCount int
	Pool     connpool.Stats
}

// Stats returns a snapshot of every entry, sorted by name.
func (r *Registry) Stats() []DataSourceStats {
	r.mu.Lock()
	entries := make([]DataSourceStats, 0, len(r.entries))
	sources := make([]*DataSource, 0, len(r.entries))
	for _, name := range slices.Sorted(maps.Keys(r.entries)) {
		e := r.entries[name]
		entries = append(entries, DataSourceStats{Name: name, RefCount: e.refs})
		sources = append(sources, e.ds)
	}
	r.mu.Unlock()

	// Pool stats take the pool lock; never nest it under the registry's.
	for i, ds := range sources {
		entries[i].Pool = ds.Stats()
	}
	return entries
}
