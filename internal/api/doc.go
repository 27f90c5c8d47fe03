// Package api hosts the operator HTTP surface of a worker. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats and /v1/queues for local progress.
//   - GET /v1/cluster for the election and heartbeat view in distributed mode.
//   - GET /v1/deadletters/{kind} and POST /v1/deadletters/{kind}/replay for
//     inspecting and requeueing entries that exhausted their retries.
package api
