// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("kbcache.store")

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbcache_store_operations_total",
		Help: "Cache file operations by operation and status",
	}, []string{"operation", "status"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kbcache_store_duration_seconds",
		Help:    "Time spent reading or writing cache files",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})

	fileBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kbcache_store_file_bytes",
		Help:    "Size of cache files read or written",
		Buckets: prometheus.ExponentialBuckets(4096, 4, 10),
	}, []string{"operation"})

	decodedCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbcache_store_decoded_cache_total",
		Help: "Decoded record cache lookups by result",
	}, []string{"result"})
)
