// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package build

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Inverness/Spinner-sub001/services/weave/weaveerr"
)

// =============================================================================
// Prometheus Metrics for Weaving Builds
// =============================================================================

var (
	// buildsTotal counts builds by outcome.
	// Labels: status (ok, failed)
	buildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spinner",
		Subsystem: "weave",
		Name:      "builds_total",
		Help:      "Total weaving builds by outcome",
	}, []string{"status"})

	// buildErrorsTotal counts failed builds by error category.
	// Labels: kind (marker_resolution, weaving, invariant, other)
	buildErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spinner",
		Subsystem: "weave",
		Name:      "build_errors_total",
		Help:      "Failed builds by error category",
	}, []string{"kind"})

	// buildDurationSeconds measures end-to-end build time.
	buildDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spinner",
		Subsystem: "weave",
		Name:      "build_duration_seconds",
		Help:      "End-to-end weaving build duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	// aspectsAppliedTotal counts applied aspect instances by kind.
	// Labels: kind (boundary, interception, location, event)
	aspectsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spinner",
		Subsystem: "weave",
		Name:      "aspects_applied_total",
		Help:      "Applied aspect instances by aspect kind",
	}, []string{"kind"})

	// targetsWovenTotal counts woven elements.
	targetsWovenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spinner",
		Subsystem: "weave",
		Name:      "targets_woven_total",
		Help:      "Elements woven with at least one aspect",
	})

	// instancesResolvedTotal counts aspect instances produced by multicast
	// resolution.
	instancesResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spinner",
		Subsystem: "weave",
		Name:      "instances_resolved_total",
		Help:      "Aspect instances produced by multicast resolution",
	})
)

// recordSuccess records a finished build.
func recordSuccess(r *Result) {
	buildsTotal.WithLabelValues("ok").Inc()
	buildDurationSeconds.Observe(r.Duration.Seconds())
	targetsWovenTotal.Add(float64(r.Stats.Targets))
	instancesResolvedTotal.Add(float64(r.Resolution.Instances()))
	for kind, n := range r.Stats.Applied {
		aspectsAppliedTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// recordFailure records a failed build.
func recordFailure(err error) {
	buildsTotal.WithLabelValues("failed").Inc()
	buildErrorsTotal.WithLabelValues(weaveerr.Kind(err)).Inc()
}

// WriteMetrics writes the default registry in the Prometheus text format
// to path, for collection by a node exporter textfile collector.
func WriteMetrics(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}
