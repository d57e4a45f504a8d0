/*
Package monitoring provides Prometheus metrics for the kernel daemon.

# Overview

Two collection paths feed the metrics. The HTTP middleware times every
API request. The Metrics value also implements the kernel event.Emitter
interface, so teeing it into the kernel's event stream keeps the IPC,
scheduler, and memory counters current without instrumenting the core.

# Usage

	metrics := monitoring.New(prometheus.DefaultRegisterer)
	router.Use(monitoring.Middleware(metrics))

	// Feed the kernel trace.
	hub := event.Tee{hub, metrics}

	// Periodically refresh the gauges.
	metrics.UpdateScheduler(kern.Sched.Snapshot())

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
