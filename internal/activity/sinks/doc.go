// Package sinks implements activity consumers: structured logging, Prometheus
// collectors, the Postgres block log, and a Pub/Sub fan-out. Each satisfies
// activity.Sink.
package sinks
