// Package worker implements the per-kind queue worker.
//
// A Worker owns a FIFO of job ids backed by a jobs.Registry. A single
// dispatcher goroutine peeks at the head of the queue, discards handles that
// were cancelled while queued, waits for a free slot on a weighted semaphore
// (and, for extraction, for the admission check to pass), then marks the
// handle active and runs it on its own goroutine. The head of the queue
// blocks everything behind it, which keeps dispatch strictly FIFO.
package worker
