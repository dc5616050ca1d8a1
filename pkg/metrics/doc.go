// Package metrics defines and registers the agent's Prometheus
// metrics: task/scheduler gauges and counters, manifest load and
// verification counters, transport request counters/histograms, cache
// gauges, and worker process gauges. Handler exposes them over HTTP
// for scraping; Collector periodically snapshots scheduler state into
// the gauges that aren't updated inline.
package metrics
