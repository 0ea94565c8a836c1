// ABOUTME: Package observability exports pairchat metrics to Prometheus
// ABOUTME: The Metrics type doubles as the conversation service observer

// Package observability holds the Prometheus registry used by the server.
package observability
