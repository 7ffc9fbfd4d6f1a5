// Package metrics exposes Prometheus counters for forwarding and API send
// outcomes. Each Metrics value owns a private registry.
package metrics
