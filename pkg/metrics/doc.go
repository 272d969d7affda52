// Package metrics defines and registers Maelstrom's Prometheus metrics:
// scheduling latency and throughput on the broker, artifact cache hit/miss
// on the worker, and job outcome counts on both. Metrics are exposed over
// HTTP via Handler() for scraping.
package metrics
