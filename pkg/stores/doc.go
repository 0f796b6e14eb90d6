// Package stores provides durable persistence for orchestration runs.
// It includes SQLite-based storage with WAL mode, connection pooling,
// embedded schema migrations, and query operations for audit events,
// per-domain state snapshots, and run summaries.
package stores
