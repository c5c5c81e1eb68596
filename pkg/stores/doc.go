// Package stores provides the SQLite persistence layer for the pilot.
// It runs embedded migrations with golang-migrate and keeps three records:
// a task journal (tasks and their steps, upserted on every state change),
// the knowledge history mirrored from the in-memory rings, and an
// append-only event timeline fed by the telemetry publisher.
//
// File databases use WAL mode and a busy timeout; ":memory:" databases are
// pinned to a single connection.
package stores
