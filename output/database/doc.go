// Package database implements the database destination.
//
// A Sink turns each event into one row and hands the batch to a Store,
// which inserts it in a single transaction. Every row carries the fixed
// columns server, session_id, sequence, received_at and event, followed by
// the configured field mappings in column-name order and an optional JSON
// column holding all fields.
//
// Two stores are provided: Postgres (pgx pool, one pgx.Batch per
// transaction, identifiers quoted with pgx.Identifier) and MySQL
// (database/sql, multi-row INSERT with backtick quoting). Schema and data
// errors are returned as retry.NonRetryable so the worker drops the batch
// at once instead of retrying it.
//
// Stores shares a pool per connection profile between destinations.
package database
