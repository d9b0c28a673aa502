// Package storage persists finished run records (jobs, works and workflows).
//
// Drivers:
//   - "file": append-only JSON Lines
//   - "sqlite": SQLite database via modernc.org/sqlite
package storage
