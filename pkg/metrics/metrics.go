// Copyright 2025 UMH Systems GmbH
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

// Package metrics exposes repository activity as Prometheus series.
//
// The series are registered with the default registry through promauto when the
// package is loaded. Repositories feed them through DiagnosticsSink, so there is
// no separate instrumentation call at each operation site.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docrepo/pkg/diagnostics"
)

const (
	namespace = "docrepo"
	subsystem = "repository"

	OutcomeOK    = "ok"
	OutcomeError = "error"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Total number of repository operations by collection, operation and outcome",
		},
		[]string{"collection", "operation", "outcome"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Duration of repository operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"collection", "operation"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "Total number of driver call retries",
		},
		[]string{"collection", "operation"},
	)

	offlineQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "offline_queue_depth",
			Help:      "Number of mutations waiting in the offline queue",
		},
		[]string{"collection"},
	)

	offlineQueueDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "offline_queue_dropped_total",
			Help:      "Total number of queued mutations evicted because the queue was full",
		},
		[]string{"collection"},
	)

	queryCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "query_cache_hits_total",
			Help:      "Total number of find calls served from the query cache",
		},
		[]string{"collection"},
	)

	queryCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "query_cache_misses_total",
			Help:      "Total number of find calls that had to query the driver",
		},
		[]string{"collection"},
	)

	batchLoaderKeys = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batch_loader_keys",
			Help:      "Number of keys per coalesced batch loader fetch",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)
)

// DiagnosticsSink returns a diagnostics callback that records events for collection.
func DiagnosticsSink(collection string) diagnostics.Func {
	return func(e diagnostics.Event) {
		coll := e.Collection
		if coll == "" {
			coll = collection
		}

		switch e.Type {
		case diagnostics.TypeRead, diagnostics.TypeWrite, diagnostics.TypeQuery:
			RecordOperation(coll, e.Operation, e.Err, e.Duration)
		case diagnostics.TypeBatch:
			RecordOperation(coll, e.Operation, e.Err, e.Duration)

			if keys := e.Int(diagnostics.KeyKeys); keys > 0 {
				batchLoaderKeys.Observe(float64(keys))
			}
		case diagnostics.TypeRetry:
			retriesTotal.WithLabelValues(coll, e.Operation).Inc()
		case diagnostics.TypeCache:
			if e.Bool(diagnostics.KeyHit) {
				queryCacheHits.WithLabelValues(coll).Inc()
			} else {
				queryCacheMisses.WithLabelValues(coll).Inc()
			}
		case diagnostics.TypeOfflineQueue:
			if e.String(diagnostics.KeyAction) == diagnostics.ActionDropped {
				offlineQueueDropped.WithLabelValues(coll).Inc()
			}

			if _, ok := e.Context[diagnostics.KeyDepth]; ok {
				offlineQueueDepth.WithLabelValues(coll).Set(float64(e.Int(diagnostics.KeyDepth)))
			}
		case diagnostics.TypeMigration, diagnostics.TypeHistory:
			// no series
		}
	}
}

// RecordOperation counts one operation and observes its duration when known.
func RecordOperation(collection, operation string, err error, duration time.Duration) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}

	operationsTotal.WithLabelValues(collection, operation, outcome).Inc()

	if duration > 0 {
		operationDuration.WithLabelValues(collection, operation).Observe(duration.Seconds())
	}
}

// SetupMetricsEndpoint starts an HTTP server exposing /metrics on addr.
func SetupMetricsEndpoint(addr string, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && log != nil {
			log.Errorf("metrics endpoint stopped: %v", err)
		}
	}()

	return server
}
