// Package api hosts the optional status server for a sampling run.
// Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for scheduler progress and in-flight uploads.
//   - GET /v1/archives for the archive file states.
//   - GET /v1/grades for the latest daily grade index, when aggregation is on.
package api
