// Package broadcast delivers job lifecycle events to interested clients.
//
// The supervisor reports through a Notifier, which turns registry snapshots
// into Events and hands them to a Broadcaster. Implementations cover structured
// logging, Redis pub/sub, fan-out to several sinks, an asynchronous ordered
// queue that keeps slow sinks off the job goroutine, and an in-memory Recorder
// for tests. Per job, progress events always precede the single terminal
// event (complete, error, or cancel).
package broadcast
