// Package logs tails the daemon log for `stemdeck logs`.
//
// Tail reads with bounded memory, supports a negative offset meaning "the
// last N lines", and can wait briefly for new lines so the CLI can follow the
// log through repeated IPC calls. A job id filter narrows output to the lines
// one job produced.
package logs
