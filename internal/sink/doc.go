// Package sink provides check.Sink implementations: the in-memory
// collector polled by observers, plus log, filter and Prometheus sinks.
package sink
