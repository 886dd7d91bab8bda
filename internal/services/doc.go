// Package services defines shared utilities consumed by the job supervisors,
// the reservation coordinator, and the external engine clients.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, job kinds, user IDs, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper that translate failures
//     into the error kinds recorded on job handles and broadcast to clients.
//   - Classification of raw operating-system failures (disk full, permission
//     denied, missing binaries) into resource errors.
//
// Use these helpers when wiring new executors so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
