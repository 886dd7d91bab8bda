// Package subprocess supervises external engine processes.
//
// A Process merges stdout and stderr into one line stream (splitting on both
// newline and carriage return, so progress bars that redraw in place still
// produce lines), keeps the last N lines for diagnostics, and runs in its own
// process group so termination reaches every child. Next yields a line, an
// idle tick when nothing arrived within the idle interval, or the exit. The
// caller owns timeout policy; this package only reports time passing.
package subprocess
