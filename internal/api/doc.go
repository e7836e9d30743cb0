// Package api hosts the HTTP server, middleware, and REST handlers for the
// guard. Notable routes:
//   - GET /healthz / readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET|PATCH /v1/state, POST /v1/state/blocked and POST /v1/block carry the
//     control messages and answer with an Ack.
//   - GET /v1/events streams configuration changes as server-sent events.
//   - /v1/words, /v1/settings, /v1/bypass, /v1/export, /v1/import and
//     /v1/backup back the settings surface.
//   - GET /v1/activity/blocks reads the persisted block log.
//   - GET /blocked renders the block view.
package api
