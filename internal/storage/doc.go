// Package storage persists finished runs and notification delivery records.
//
// Drivers:
//   - "file": JSON Lines journals with an in-memory index, compacted periodically
//   - "sqlite": modernc.org/sqlite through sqlx (pure Go, no cgo)
//   - "postgres": lib/pq through sqlx
//   - "none" or empty: persistence disabled; Open returns a nil Store
package storage
