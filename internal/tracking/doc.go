// Package tracking records experiment runs: configuration, per-step metrics,
// summary values and versioned artifacts. Records are delivered to a Sink,
// which may be a local directory, Redis, RabbitMQ, MySQL or nothing at all
// when tracking is disabled for debug runs.
package tracking
