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
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the pools of a Registry to Prometheus. Values are read
// from the registry at scrape time.
type Collector struct {
	registry *Registry

	connections *prometheus.Desc
	capacity    *prometheus.Desc
	waiting     *prometheus.Desc
	refs        *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for r.
func NewCollector(r *Registry) *Collector {
	return &Collector{
		registry: r,
		connections: prometheus.NewDesc(
			"sqlclient_pool_connections",
			"Open connections of a shared data source pool, by state",
			[]string{"data_source", "state"}, nil,
		),
		capacity: prometheus.NewDesc(
			"sqlclient_pool_capacity",
			"Maximum number of connections of a shared data source pool",
			[]string{"data_source"}, nil,
		),
		waiting: prometheus.NewDesc(
			"sqlclient_pool_waiting",
			"Callers queued for a connection",
			[]string{"data_source"}, nil,
		),
		refs: prometheus.NewDesc(
			"sqlclient_data_source_clients",
			"Open clients referencing a shared data source",
			[]string{"data_source"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.capacity
	ch <- c.waiting
	ch <- c.refs
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.registry.Stats() {
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(s.Pool.Idle), s.Name, "idle")
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(s.Pool.InUse), s.Name, "used")
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.Pool.Capacity), s.Name)
		ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(s.Pool.Waiting), s.Name)
		ch <- prometheus.MustNewConstMetric(c.refs, prometheus.GaugeValue, float64(s.RefCount), s.Name)
	}
}
