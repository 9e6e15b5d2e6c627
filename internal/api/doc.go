// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/jobs and /api/jobs/{id}/pause|resume|cancel for job lifecycle.
//   - GET /api/jobs/{id}/results for incremental result polling.
//   - GET /api/history and /api/trend for stored sessions via the
//     HistoryRepository interface.
package api
