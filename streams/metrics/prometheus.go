// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
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

// Package metrics exports streams.Metric values to Prometheus.
package metrics

import (
	"net/http"

	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/*
Collector turns Metrics into Prometheus series labelled by operation:

	dstream_operations_total{operation}
	dstream_bytes_total{operation}
	dstream_items_total{operation}
	dstream_operation_duration_seconds{operation}

Pass Handle as the MetricsHandler of a Source or Worker:

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	config := streams.WorkerConfig{MetricsHandler: collector.Handle}
*/
type Collector struct {
	operations *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	items      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dstream",
			Name:      "operations_total",
			Help:      "Number of completed operations.",
		}, []string{"operation"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dstream",
			Name:      "bytes_total",
			Help:      "Payload bytes moved by operations.",
		}, []string{"operation"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dstream",
			Name:      "items_total",
			Help:      "Blocks, tasks or results handled by operations.",
		}, []string{"operation"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dstream",
			Name:      "operation_duration_seconds",
			Help:      "Operation duration from start to end.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"operation"}),
	}
	if reg != nil {
		c.operations = register(reg, c.operations)
		c.bytes = register(reg, c.bytes)
		c.items = register(reg, c.items)
		c.duration = register(reg, c.duration)
	}
	return c
}

// register returns the collector already registered under the same descriptor, if any.
func register[C prometheus.Collector](reg prometheus.Registerer, col C) C {
	err := reg.Register(col)
	if err == nil {
		return col
	}
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	streams.Log().Errorf("registering metrics: %v", err)
	return col
}

// Handle is a streams.MetricsHandler.
func (c *Collector) Handle(m streams.Metric) {
	c.operations.WithLabelValues(m.Operation).Inc()
	c.bytes.WithLabelValues(m.Operation).Add(float64(m.Bytes))
	c.items.WithLabelValues(m.Operation).Add(float64(m.Count))
	c.duration.WithLabelValues(m.Operation).Observe(m.Duration().Seconds())
}

// Handler serves the series registered with `gatherer` in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
