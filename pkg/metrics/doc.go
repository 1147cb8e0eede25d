/*
Package metrics provides Prometheus instrumentation and health checking
for the keystone server.

Metrics are package-level collectors registered at init time and written
directly from the code paths they measure: the executor records RPC
counts, durations and retry distributions; the backends record commit
outcomes; the gate records connection, message and rate-limit activity;
the broker records subscription gauges and evictions.

# Exposure

Handler returns the standard promhttp handler. The server mounts it on
the metrics listener together with the health endpoints:

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

# Health checking

Components report their state with RegisterComponent / UpdateComponent.
Readiness requires the critical set (backend, catalog, listener) to be
registered and healthy; liveness only requires the process to respond.

# Timers

Timer wraps the measure-then-observe pattern for histograms:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RPCDuration, systemName)

# Periodic gauges

Collector samples point-in-time gauges (open connections, subscription
counts) from a StatsSource every 15 seconds. The server implements
StatsSource and owns the collector's lifecycle.
*/
package metrics
