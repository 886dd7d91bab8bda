// Package pipeline exposes the boundary operations callers use to drive the
// job system: submit, status, cancel, retry, listing a user's items, forget
// and stats.
//
// Submit consults the reservation coordinator first. A completed key only
// grants the caller access to the existing result; a key owned by another job
// records a pending access row and tells the caller to wait; only a fresh
// reservation creates a job and enqueues it on the worker for its kind.
package pipeline
