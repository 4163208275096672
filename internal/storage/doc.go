// Package storage persists reminder rows.
//
// Every backend implements the same Store contract: rows are never deleted,
// and status changes go through Transition, a compare-and-set on the current
// status. Backends:
//   - "memory": process-local, for tests and dry runs
//   - "file": JSON Lines journal + periodic snapshot
//   - "sqlite": modernc.org/sqlite (pure Go)
//   - "redis": hash per row, sorted-set indexes, Lua compare-and-set
package storage
