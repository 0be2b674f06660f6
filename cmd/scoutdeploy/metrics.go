// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Coordinator metrics. Registered on the default registry; exposed only
// when `rotate watch` runs with a metrics address configured.
var (
	provisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoutdeploy_provision_total",
		Help: "Secret provisioning outcomes by result.",
	}, []string{"outcome"})

	rotationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoutdeploy_rotations_total",
		Help: "Secret rotation attempts by result.",
	}, []string{"outcome"})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoutdeploy_health_checks_total",
		Help: "Unit health check results by state.",
	}, []string{"state"})
)

// serveMetrics exposes /metrics on addr in a background goroutine.
// Errors are reported through errFn since the caller is a long-running
// watch loop that should not die with the listener.
func serveMetrics(addr string, errFn func(error)) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && errFn != nil {
			errFn(err)
		}
	}()
}
