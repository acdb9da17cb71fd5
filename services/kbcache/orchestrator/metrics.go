// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/kbcache/services/kbcache/facts"
)

var (
	tracer = otel.Tracer("kbcache.orchestrator")
	meter  = otel.Meter("kbcache.orchestrator")
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbcache_orchestrator_transitions_total",
		Help: "State transitions by target state",
	}, []string{"state"})

	buildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kbcache_orchestrator_build_duration_seconds",
		Help:    "Wall time of knowledge base builds by outcome",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
	}, []string{"outcome"})

	cacheReadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbcache_orchestrator_cache_reads_total",
		Help: "Cache read outcomes: hit, miss, stale, corrupt",
	}, []string{"result"})

	persistTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbcache_orchestrator_persist_total",
		Help: "Background persistence outcomes",
	}, []string{"status"})
)

// OpenTelemetry instruments, exported through whichever meter provider
// telemetry.Init installed.
var (
	buildsTotal metric.Int64Counter
	factsBuilt  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		buildsTotal, err = meter.Int64Counter(
			"kbcache_builds_total",
			metric.WithDescription("Knowledge base builds by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		factsBuilt, err = meter.Int64Counter(
			"kbcache_facts_built_total",
			metric.WithDescription("Facts produced by successful builds, by table"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

// recordBuildMetrics records one finished build. counts is nil for a
// failed build.
func recordBuildMetrics(ctx context.Context, outcome string, counts map[facts.Table]int) {
	if err := initMetrics(); err != nil {
		return
	}
	buildsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	for t, n := range counts {
		factsBuilt.Add(ctx, int64(n), metric.WithAttributes(attribute.String("table", t.String())))
	}
}
