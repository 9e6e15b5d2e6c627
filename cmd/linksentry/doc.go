// Package main hosts the link check service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, job lifecycle,
//     result polling, and history endpoints. Start requests are validated and
//     normalized into a manifest.Manifest before a job is admitted.
//   - Orchestrator & frontier: each job runs under an orchestrator.Orchestrator
//     that fans claims from a per-job SQLite frontier out to a fixed worker
//     pool sized by the manifest. Tasks are claimed atomically, results are
//     written back before a task is marked done, and in-progress claims are
//     requeued on pause or recovery, so an interrupted run never loses or
//     duplicates completed work.
//   - Check pipeline: workers perform a GET via internal/engine/httpcheck,
//     classify the response, and extract in-scope anchors from HTML bodies for
//     recursive enqueueing subject to the manifest's depth and external-link
//     rules.
//   - Results & history: a sink.Collector accumulates the live result stream
//     for polling clients; additional sinks forward invalid results to zap and
//     counters to Prometheus. Naturally completed runs are summarized into the
//     history.Store for later inspection and per-day error trend queries.
//   - Configuration & plumbing: Viper populates config from env/files; zap
//     provides structured logging; a Prometheus registry backs /metrics.
//
// Operational notes:
//   - Concurrency model: per-job worker pool coordinated through the frontier's
//     claim protocol; pause and cancel propagate via context cancellation and
//     leave the frontier in a consistent state.
//   - Durability: frontier databases live under job.data_dir, one file per job
//     id, opened in WAL mode. A paused or crashed job resumes from its store;
//     completed stores are deleted when job.delete_on_complete is set.
//   - Observability: zap logs carry job and worker IDs at key transitions;
//     Prometheus counters/histograms track job and URL check activity.
//
// Quick checklist:
//   - Configure env vars: LINKSENTRY_SERVER_PORT, LINKSENTRY_JOB_DATA_DIR,
//     LINKSENTRY_JOB_WORKER_DEFAULT, LINKSENTRY_HTTP_TIMEOUT_SECONDS,
//     LINKSENTRY_HISTORY_PATH, LINKSENTRY_LOGGING_DEVELOPMENT.
//   - Run locally: go run ./cmd/linksentry -config config.yaml (or rely solely
//     on env overrides).
//   - The process reacts to SIGINT/SIGTERM by draining the HTTP server and
//     pausing running jobs so their stores persist.
package main
