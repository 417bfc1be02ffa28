// Package store provides SQLite-backed durable storage for the queued
// scheduler.
//
// The store holds three tables:
//   - privacy_requests: one row per request, with its lifecycle step
//   - request_tasks: one row per (request, collection, action type)
//   - execution_logs: the append-only audit trail
//
// # Task Rows
//
// The request_tasks row is the only state shared between workers. Every
// transition is a conditional UPDATE:
//   - ClaimTask takes a pending row, or a running row whose lease expired
//   - UpdateTaskStatus only moves a row held by the caller's lease
//   - FinishTask writes the terminal status and the result in one statement
//     and reports whether this caller made the transition
//
// Creating a task set is idempotent: UNIQUE(privacy_request_id,
// collection_address, action_type) plus ON CONFLICT DO NOTHING.
//
// # Execution Logs
//
// Triggers reject UPDATE and DELETE on execution_logs.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
