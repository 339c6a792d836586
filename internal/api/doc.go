// Package api exposes the operator-facing REST surface: advancing strategy
// threads with commands and interview answers, inspecting thread state,
// ingesting perps signals with strict validation, and reading cycle telemetry.
package api
