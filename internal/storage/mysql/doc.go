// Package mysql persists tracking runs, metric events and artifact manifests
// in MySQL. Schema changes are applied from the embedded migration files on
// startup.
package mysql
