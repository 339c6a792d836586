// Package mysql provides repositories backed by MySQL for durable strategy
// telemetry. It keeps an append-only log of management cycles (observation,
// decision, execution outcome) that survives restarts and feeds operator
// audits. A file-backed in-memory variant mirrors the interface for local
// development and tests.
package mysql
