/*
Package metrics provides Prometheus-based instrumentation for the
coordination kernel, covering task claims, lease contention, message bus
throughput, and model adapter invocations.

# Overview

Collector registers and records Prometheus instruments using promauto's
auto-registration, avoiding manual Registry bookkeeping. Every instrument is
namespaced and label-grouped for Grafana-style dashboards and alerting.

# Core types

  - Collector: holds the Counter/Histogram/Gauge vectors grouped by
    subsystem (task store, lease manager, message bus, model adapter).

# Coverage

  - Task metrics: claim attempts and contention, per-status duration
    histograms, state transition counts.
  - Lease metrics: acquire/renew/deny outcomes, contention counts, a gauge
    of currently held leases per agent, expiry-sweep reclaims.
  - Message bus metrics: publish counts by type and delivery mode,
    acknowledgement counts, delivery latency.
  - Adapter metrics: invocation outcomes and duration per adapter, token
    usage split between CLI-reported and tiktoken-estimated counts.
*/
package metrics
