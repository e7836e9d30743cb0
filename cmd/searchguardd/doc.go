// Package main hosts the searchguard service entrypoint.
//
// Architecture overview:
//   - Control: internal/control.Service owns the configuration document (word list, settings, bypass
//     deadline, blocked counter) through internal/state.Store. Observers reach it through an in-process
//     mailbox (control.LocalClient); the CLI reaches it through the HTTP API (control.HTTPClient).
//   - Browser: when browser.enabled is set, internal/browser attaches to Chrome over the DevTools protocol,
//     discovers search-engine tabs, and runs one internal/observer.Observer per tab. Observers match queries
//     from the URL, keypresses, form submits, and the focused field, and ask control to redirect a matching
//     tab to the block page.
//   - HTTP API: internal/api.Server exposes health, metrics, the block page, state and settings routes, and
//     a server-sent event stream of configuration changes.
//   - Persistence: the configuration lives in a JSON file, SQLite, Postgres, or memory. Backups are written
//     to a local directory, GCS, or memory. With Postgres, blocks are also recorded in a block log.
//   - Activity: page, evaluation, block, and bypass events flow through an internal/activity.Hub to log,
//     Prometheus, block-log, and optional Pub/Sub sinks. Query text is never recorded.
//
// Quick checklist:
//   - Configure env vars with the SEARCHGUARD_ prefix, for example SEARCHGUARD_SERVER_PORT,
//     SEARCHGUARD_STATE_BACKEND, SEARCHGUARD_BROWSER_ENABLED, SEARCHGUARD_BROWSER_REMOTE_URL.
//   - Run locally: go run ./cmd/searchguardd -config config.yaml, or searchguard serve.
//   - The process shuts down cleanly on SIGINT or SIGTERM.
package main
