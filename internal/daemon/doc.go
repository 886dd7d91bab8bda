// Package daemon owns the long-running stemdeck process lifecycle.
//
// New wires the ledger, reservation coordinator, per-kind registries,
// supervisors and workers, the broadcast chain and the analysis runner into a
// pipeline.Service. Start takes the flock-based instance lock, reconciles
// state left by a previous run, then starts the workers and the optional
// metrics/status HTTP server. Stop drains the queues and releases every
// reservation the process still holds before unlocking.
//
// Keep orchestration here; job semantics live in pipeline, worker and
// supervisor.
package daemon
