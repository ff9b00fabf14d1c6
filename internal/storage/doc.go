// Package storage persists the relay's settings document.
//
// Drivers:
//   - "file": JSON snapshot written via tmp+rename
//   - "sqlite": single-row table in a SQLite database file
//   - "memory": process-local, for tests and ephemeral instances
//
// The store is agnostic of the document layout; it saves and loads raw JSON.
package storage
