// Package ledger persists the global work ledger and per-user access rows in
// SQLite.
//
// global_records holds one row per (content_id, variant_key). Its status walks
// reserved → in_progress → complete|failed, and a failed row may be reserved
// again in place. user_access rows point at a global row by foreign key and
// carry a denormalized payload copy so a user's view survives ledger churn.
//
// Every transaction opened by the Store is BEGIN IMMEDIATE, so the read and
// write inside CheckOrReserve cannot interleave with another writer. Writes
// retry on SQLITE_BUSY with exponential backoff. Repair implements the startup
// reconciliation pass and is safe to run repeatedly.
//
// Schema changes bump schemaVersion in schema.go alongside schema.sql.
package ledger
