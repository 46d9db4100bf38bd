// Copyright 2025 Antfly, Inc.
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

package whisperkv

import "github.com/prometheus/client_golang/prometheus"

var (
	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "whisperkv",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"variant", "backend"},
	)
	modelEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "whisperkv",
			Name:      "model_evictions_total",
			Help:      "The total number of models unloaded by the registry.",
		},
		[]string{"variant", "reason"},
	)
	loadedModels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "whisperkv",
			Name:      "loaded_models",
			Help:      "Number of models currently loaded.",
		},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "whisperkv",
			Name:      "cache_hits_total",
			Help:      "The total number of cache hits.",
		},
		[]string{"cache_type"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "whisperkv",
			Name:      "cache_misses_total",
			Help:      "The total number of cache misses.",
		},
		[]string{"cache_type"},
	)

	sessionWaitTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "whisperkv",
			Name:      "session_wait_seconds",
			Help:      "Time spent waiting for a session slot.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		},
	)
)

func init() {
	prometheus.MustRegister(
		modelLoadDuration,
		modelEvictions,
		loadedModels,
		cacheHits,
		cacheMisses,
		sessionWaitTime,
	)
}

// RecordModelLoadDuration records how long loading a model took.
func RecordModelLoadDuration(variant, backend string, seconds float64) {
	modelLoadDuration.WithLabelValues(variant, backend).Observe(seconds)
}

// RecordCacheHit records a cache hit.
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordModelEviction records a model unloaded by the registry.
func RecordModelEviction(variant, reason string) {
	modelEvictions.WithLabelValues(variant, reason).Inc()
}
