// Package activity carries guard activity (page attach and detach, query
// evaluations, blocks, bypass transitions) from observers to pluggable sinks. A
// Hub batches events on a background goroutine so emitters never wait on logging,
// metrics, the block log, or Pub/Sub.
package activity
