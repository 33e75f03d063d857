/*
Package monitoring provides Prometheus metrics for the bridge.

# Overview

This package tracks the lifecycle counters an embedding host cares about:
thread creation and collection, resume operations, interrupt hook outcomes,
module loading and cache hits, and sandbox transitions.

# Usage

	metrics := monitoring.Get()
	metrics.ThreadsCreated.Inc()
	metrics.Interrupts.WithLabelValues("yield").Inc()

# Metrics Endpoint

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	http.Handle("/metrics", promhttp.Handler())
*/
package monitoring
