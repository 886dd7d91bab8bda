// Package notifications pushes finished and failed jobs to an ntfy topic.
//
// Ntfy implements broadcast.Broadcaster so the daemon can add it to the same
// fan-out as the log and Redis sinks. Start, progress and cancel events are
// not delivered.
package notifications
