// Package api hosts the status HTTP server of a running crawl. Routes:
//   - GET /healthz and /readyz for health checks; readyz turns ready once the run
//     has a checkpoint.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/checkpoint for the last persisted checkpoint, verbatim.
//   - GET /v1/progress for an operator summary of that checkpoint.
package api
