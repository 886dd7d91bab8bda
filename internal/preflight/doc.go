// Package preflight provides readiness checks for the filesystem paths,
// external engines and optional services stemdeck depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll before it starts the workers and logs every
//     failure; it refuses to start when a data directory is unusable.
//   - The CLI "stemdeck daemon status" command shows the same results when
//     the daemon is offline.
//
// Each optional check is gated by its config toggle; disabled features are skipped.
package preflight
