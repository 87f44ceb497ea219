// Copyright 2024 The Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exports a datapath's get_stats counters (spec section
// 4.7) as Prometheus metrics. A Collector gathers its numbers fresh from
// each registered datapath's Datapath.GetStats() at scrape time rather
// than shadowing them in its own state, the same pull-at-scrape shape
// runZeroInc-sockstats's TCPInfoCollector uses for live socket counters.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aepifanov/dpif-netdev/dpif"
)

type info struct {
	description *prometheus.Desc
	supplier    func(stats dpif.Stats, labelValues []string) prometheus.Metric
}

type dpEntry struct {
	dp     *dpif.Datapath
	labels []string
}

// Collector is a prometheus.Collector exporting every added datapath's
// flow count and hit/miss/loss totals.
type Collector struct {
	mu     sync.Mutex
	dps    map[string]dpEntry
	infos  []info
	logger func(error)
}

// NewCollector returns a Collector whose metric names are prefixed with
// prefix, labeled with datapathLabels (values supplied per datapath via
// Add) plus any constLabels common to every datapath (e.g. a hostname).
// errorLoggingCallback is stored on the Collector but never invoked:
// Collect does not detect datapaths that disappear between scrapes, and
// keeps reading GetStats from every added datapath until Remove.
func NewCollector(prefix string, datapathLabels []string, constLabels prometheus.Labels, errorLoggingCallback func(error)) *Collector {
	c := &Collector{
		dps:    make(map[string]dpEntry),
		logger: errorLoggingCallback,
	}
	c.addMetrics(prefix, datapathLabels, constLabels)
	return c
}

func (c *Collector) addMetrics(prefix string, labels []string, constLabels prometheus.Labels) {
	flowsDesc := prometheus.NewDesc(prefix+"_flows", "Number of flows currently installed in the datapath.", labels, constLabels)
	hitDesc := prometheus.NewDesc(prefix+"_packets_hit_total", "Packets classified by an installed flow.", labels, constLabels)
	missedDesc := prometheus.NewDesc(prefix+"_packets_missed_total", "Packets that produced a flow table miss.", labels, constLabels)
	lostDesc := prometheus.NewDesc(prefix+"_upcalls_lost_total", "Upcalls dropped because a queue was full.", labels, constLabels)
	maxMTUDesc := prometheus.NewDesc(prefix+"_max_mtu_bytes", "Largest MTU observed across all ports ever added to the datapath.", labels, constLabels)

	c.infos = []info{
		{
			description: flowsDesc,
			supplier: func(s dpif.Stats, lv []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(flowsDesc, prometheus.GaugeValue, float64(s.NFlows), lv...)
			},
		},
		{
			description: hitDesc,
			supplier: func(s dpif.Stats, lv []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(hitDesc, prometheus.CounterValue, float64(s.NHit), lv...)
			},
		},
		{
			description: missedDesc,
			supplier: func(s dpif.Stats, lv []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(missedDesc, prometheus.CounterValue, float64(s.NMissed), lv...)
			},
		},
		{
			description: lostDesc,
			supplier: func(s dpif.Stats, lv []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(lostDesc, prometheus.CounterValue, float64(s.NLost), lv...)
			},
		},
		{
			description: maxMTUDesc,
			supplier: func(s dpif.Stats, lv []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(maxMTUDesc, prometheus.GaugeValue, float64(s.MaxMTU), lv...)
			},
		},
	}
}

// Add registers dp with the collector under the given label values, which
// must match the datapathLabels the collector was constructed with.
// Re-adding a datapath with the same name replaces its label values.
func (c *Collector) Add(dp *dpif.Datapath, labelValues []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dps[dp.Name()] = dpEntry{dp: dp, labels: labelValues}
}

// Remove stops exporting the datapath named name.
func (c *Collector) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dps, name)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, i := range c.infos {
		descs <- i.description
	}
}

// Collect implements prometheus.Collector: it reads a fresh Stats
// snapshot from every registered datapath and emits one metric per
// counter, per datapath.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.dps {
		stats := e.dp.GetStats()
		for _, i := range c.infos {
			metrics <- i.supplier(stats, e.labels)
		}
	}
}
