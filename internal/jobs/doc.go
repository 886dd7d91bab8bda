// Package jobs holds the in-memory side of the pipeline: job specs, handles,
// and the per-kind Registry that owns them.
//
// A Registry is the only owner of its handles. Callers receive Snapshot copies
// and mutate state through registry methods, which serialize on one mutex.
// Handles live in the registry's live map while queued or active; on a
// terminal transition they move into a bounded, expiring terminal map so
// status queries keep working for a while without growing memory without
// bound. Remove drops a handle entirely.
package jobs
