/*
 * Copyright 2021 Dgraph Labs, Inc. and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package prom exports a cache's metrics as a prometheus.Collector. The
// cache keeps its own striped counters; the collector snapshots them on
// each scrape, so registering it adds no overhead to cache operations.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	caffeine "github.com/jmnarloch/caffeine"
)

// Collector adapts a cache's Metrics to the Prometheus scrape model.
type Collector struct {
	cache *caffeine.Cache

	hits         *prometheus.Desc
	misses       *prometheus.Desc
	keysAdded    *prometheus.Desc
	keysUpdated  *prometheus.Desc
	keysEvicted  *prometheus.Desc
	costAdded    *prometheus.Desc
	costEvicted  *prometheus.Desc
	getsDropped  *prometheus.Desc
	loadsSuccess *prometheus.Desc
	loadsFailure *prometheus.Desc
	sizeEntries  *prometheus.Desc
}

// NewCollector builds a collector over the cache. The cache must have been
// created with Config.Metrics set. Register the result with a Prometheus
// registry:
//
//	reg.MustRegister(prom.NewCollector(cache, "myapp", "cache", nil))
func NewCollector(cache *caffeine.Cache, ns, sub string, constLabels prometheus.Labels) *Collector {
	fqName := func(name string) string {
		return prometheus.BuildFQName(ns, sub, name)
	}
	return &Collector{
		cache: cache,
		hits: prometheus.NewDesc(fqName("hits_total"),
			"Cache hits.", nil, constLabels),
		misses: prometheus.NewDesc(fqName("misses_total"),
			"Cache misses.", nil, constLabels),
		keysAdded: prometheus.NewDesc(fqName("keys_added_total"),
			"Keys added.", nil, constLabels),
		keysUpdated: prometheus.NewDesc(fqName("keys_updated_total"),
			"Keys updated in place.", nil, constLabels),
		keysEvicted: prometheus.NewDesc(fqName("keys_evicted_total"),
			"Keys evicted by the policy or expiry.", nil, constLabels),
		costAdded: prometheus.NewDesc(fqName("cost_added_total"),
			"Total weight added.", nil, constLabels),
		costEvicted: prometheus.NewDesc(fqName("cost_evicted_total"),
			"Total weight evicted.", nil, constLabels),
		getsDropped: prometheus.NewDesc(fqName("gets_dropped_total"),
			"Access events dropped by the lossy read buffer.", nil, constLabels),
		loadsSuccess: prometheus.NewDesc(fqName("loads_success_total"),
			"Loader invocations that produced a value.", nil, constLabels),
		loadsFailure: prometheus.NewDesc(fqName("loads_failure_total"),
			"Loader invocations that failed.", nil, constLabels),
		sizeEntries: prometheus.NewDesc(fqName("size_entries"),
			"Number of resident entries.", nil, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.keysAdded
	ch <- c.keysUpdated
	ch <- c.keysEvicted
	ch <- c.costAdded
	ch <- c.costEvicted
	ch <- c.getsDropped
	ch <- c.loadsSuccess
	ch <- c.loadsFailure
	ch <- c.sizeEntries
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.cache.Metrics
	if m == nil {
		return
	}
	counter := func(desc *prometheus.Desc, value uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value))
	}
	counter(c.hits, m.Hits())
	counter(c.misses, m.Misses())
	counter(c.keysAdded, m.KeysAdded())
	counter(c.keysUpdated, m.KeysUpdated())
	counter(c.keysEvicted, m.KeysEvicted())
	counter(c.costAdded, m.CostAdded())
	counter(c.costEvicted, m.CostEvicted())
	counter(c.getsDropped, m.GetsDropped())
	counter(c.loadsSuccess, m.LoadsSuccess())
	counter(c.loadsFailure, m.LoadsFailure())
	ch <- prometheus.MustNewConstMetric(c.sizeEntries, prometheus.GaugeValue,
		float64(c.cache.EstimatedSize()))
}
