/*
Package metrics provides Prometheus metrics collection and exposition for
a node.

Counters and histograms (commands processed, replication events applied,
authorization decisions, request timeouts) are updated inline by the
component that owns the event. Gauges that reflect a point-in-time
snapshot of another component's state (queue depth, live key count) are
instead scraped periodically by Collector, which avoids coupling hot
paths in storage and queue to the metrics registry.

Handler exposes the registry over HTTP for scraping; HealthChecker
(health.go) tracks a simpler healthy/unhealthy signal per component for
the health and readiness endpoints, independent of the Prometheus
registry. The liveness endpoint does not consult it.
*/
package metrics
