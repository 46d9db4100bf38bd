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

package speech2seq

import "github.com/prometheus/client_golang/prometheus"

var (
	encoderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "whisperkv",
			Name:      "encoder_calls_total",
			Help:      "The total number of audio encoder invocations.",
		},
		[]string{"variant", "status"},
	)
	encodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "whisperkv",
			Name:      "encode_duration_seconds",
			Help:      "Time spent in the audio encoder.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"variant"},
	)

	decoderSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "whisperkv",
			Name:      "decoder_steps_total",
			Help:      "The total number of text decoder steps.",
		},
		[]string{"variant", "status"},
	)
	tokensConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "whisperkv",
			Name:      "tokens_consumed_total",
			Help:      "The total number of token positions written to KV caches.",
		},
		[]string{"variant"},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "whisperkv",
			Name:      "step_duration_seconds",
			Help:      "Time spent in one text decoder step.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"variant"},
	)

	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "whisperkv",
			Name:      "active_sessions",
			Help:      "Number of open decoding sessions.",
		},
		[]string{"variant"},
	)
	sessionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "whisperkv",
			Name:      "session_failures_total",
			Help:      "The total number of aborted decoding sessions.",
		},
		[]string{"variant", "reason"},
	)
	cacheBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "whisperkv",
			Name:      "kv_cache_bytes",
			Help:      "Bytes held by KV caches of open sessions.",
		},
		[]string{"variant"},
	)
)

func init() {
	prometheus.MustRegister(
		encoderCalls,
		encodeDuration,
		decoderSteps,
		tokensConsumed,
		stepDuration,
		activeSessions,
		sessionFailures,
		cacheBytes,
	)
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
