// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/projects/{project_id}/candidates to submit snapshots.
//   - GET /v1/pages, /v1/stats/... and /v1/monitor for backlog inspection.
//   - /v1/projects/{project_id}/pages/{page_id} for per-project links.
//   - POST /v1/bulk/{action} for operator overrides.
package api
