// Package supervisor executes one job attempt end to end.
//
// For an active handle it marks the ledger record in progress, runs the
// kind-specific Executor under two independent timers (no-progress and
// absolute), forwards progress to the registry and broadcaster, and on exit
// applies exactly one terminal transition to the handle, the global record,
// and the access rows. Panics and errors never escape the job goroutine.
package supervisor
