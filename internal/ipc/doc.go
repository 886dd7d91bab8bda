// Package ipc exposes the daemon over JSON-RPC on a Unix domain socket and
// ships the matching client the CLI uses.
//
// Requests and responses are plain structs. Job snapshots, list entries and
// ledger reports travel in their own JSON shapes so the CLI can render them
// without a second set of DTOs. Failures cross the socket as strings; the
// server reduces them with services.UserMessage first.
package ipc
