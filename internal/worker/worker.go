package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"stemdeck/internal/jobs"
	"stemdeck/internal/logging"
	"stemdeck/internal/metrics"
	"stemdeck/internal/services"
)

// Runner executes one active job to completion.
type Runner interface {
	Run(ctx context.Context, snap jobs.Snapshot) jobs.Snapshot
}

// Options configures a worker.
type Options struct {
	Registry     *jobs.Registry
	Runner       Runner
	Capacity     int
	PollInterval time.Duration
	// Admit gates dispatch beyond the concurrency cap. Nil admits everything.
	Admit   AdmitFunc
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// CancelResult describes a successful Cancel.
type CancelResult struct {
	Snapshot jobs.Snapshot
	// WasActive is true when a running job was signalled; its terminal state
	// is recorded once the supervisor returns.
	WasActive bool
}

// Stats is a point-in-time view of the worker.
type Stats struct {
	Kind     jobs.Kind `json:"kind"`
	Queued   int       `json:"queued"`
	Active   int       `json:"active"`
	Capacity int       `json:"capacity"`
}

// Worker dispatches jobs of one kind.
type Worker struct {
	opts   Options
	lane   string
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu      sync.Mutex
	queue   []string
	running bool
	cancel  context.CancelFunc
	blocked string

	wake chan struct{}
	wg   sync.WaitGroup
}

// New constructs a worker. Start must be called before jobs run.
func New(opts Options) *Worker {
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	lane := string(opts.Registry.Kind())
	return &Worker{
		opts:   opts,
		lane:   lane,
		sem:    semaphore.NewWeighted(int64(opts.Capacity)),
		logger: logging.NewComponentLogger(opts.Logger, "worker").With(logging.String(logging.FieldJobKind, lane)),
		wake:   make(chan struct{}, 1),
	}
}

// Kind returns the job kind this worker runs.
func (w *Worker) Kind() jobs.Kind {
	return w.opts.Registry.Kind()
}

// Registry exposes the worker's registry for read access.
func (w *Worker) Registry() *jobs.Registry {
	return w.opts.Registry
}

// Enqueue registers spec under a fresh id and queues it.
func (w *Worker) Enqueue(spec jobs.Spec) jobs.Snapshot {
	snap := w.opts.Registry.Create(spec)
	w.push(snap.ID)
	return snap
}

// EnqueueWithID queues spec under the id it was reserved with.
func (w *Worker) EnqueueWithID(id string, spec jobs.Spec, recordID int64) (jobs.Snapshot, error) {
	snap, err := w.opts.Registry.CreateForRecord(id, recordID, spec)
	if err != nil {
		return jobs.Snapshot{}, err
	}
	w.push(snap.ID)
	return snap, nil
}

// Requeue resets a failed or cancelled job and appends it to the queue.
func (w *Worker) Requeue(id string) (jobs.Snapshot, error) {
	snap, err := w.opts.Registry.Reset(id)
	if err != nil {
		return jobs.Snapshot{}, err
	}
	w.push(snap.ID)
	return snap, nil
}

// Cancel cancels a queued or active job. It returns false when the job is
// unknown or already terminal.
func (w *Worker) Cancel(id string) (CancelResult, bool) {
	snap, outcome := w.opts.Registry.Cancel(id)
	switch outcome {
	case jobs.CancelQueued:
		w.publishDepth()
		return CancelResult{Snapshot: snap}, true
	case jobs.CancelActive:
		return CancelResult{Snapshot: snap, WasActive: true}, true
	default:
		return CancelResult{}, false
	}
}

// Stats returns queue depth and active count.
func (w *Worker) Stats() Stats {
	queued, active := w.opts.Registry.Counts()
	return Stats{Kind: w.Kind(), Queued: queued, Active: active, Capacity: w.opts.Capacity}
}

// Start launches the dispatcher. Job contexts derive from ctx.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.wg.Add(1)
	go w.dispatch(runCtx)
	w.logger.Info("worker started", logging.Int("capacity", w.opts.Capacity))
	return nil
}

// Stop cancels running jobs, waits for their supervisors to record the
// outcome, and stops the dispatcher. Queued jobs stay queued; see Drain.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// Drain cancels every job still waiting in the queue and returns them.
func (w *Worker) Drain() []jobs.Snapshot {
	w.mu.Lock()
	ids := w.queue
	w.queue = nil
	w.mu.Unlock()

	var out []jobs.Snapshot
	for _, id := range ids {
		if snap, outcome := w.opts.Registry.Cancel(id); outcome == jobs.CancelQueued {
			out = append(out, snap)
		}
	}
	w.publishDepth()
	return out
}

func (w *Worker) push(id string) {
	w.mu.Lock()
	w.queue = append(w.queue, id)
	w.mu.Unlock()
	w.signal()
	w.publishDepth()
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) peek() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return "", false
	}
	return w.queue[0], true
}

func (w *Worker) pop(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) > 0 && w.queue[0] == id {
		w.queue = w.queue[1:]
	}
}

func (w *Worker) dispatch(ctx context.Context) {
	defer w.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		id, ok := w.peek()
		if !ok {
			w.wait(ctx)
			continue
		}
		snap, exists := w.opts.Registry.Get(id)
		if !exists || snap.Status != jobs.StatusQueued {
			// Cancelled while queued, or evicted: drop it without a goroutine.
			w.pop(id)
			continue
		}
		if w.opts.Admit != nil {
			if err := w.opts.Admit(); err != nil {
				w.noteBlocked(id, err)
				w.sleep(ctx)
				continue
			}
		}
		if !w.sem.TryAcquire(1) {
			w.sleep(ctx)
			continue
		}
		w.pop(id)
		w.blocked = ""

		jobCtx, cancel := context.WithCancelCause(ctx)
		active, ok := w.opts.Registry.MarkActive(id, cancel)
		if !ok {
			cancel(nil)
			w.sem.Release(1)
			continue
		}
		w.publishDepth()
		w.wg.Add(1)
		go w.run(jobCtx, cancel, active)
	}
}

func (w *Worker) run(ctx context.Context, cancel context.CancelCauseFunc, snap jobs.Snapshot) {
	defer w.wg.Done()
	defer func() {
		cancel(nil)
		w.sem.Release(1)
		w.publishDepth()
		w.signal()
	}()
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("supervisor panic: %v", r)
			w.opts.Registry.Fail(snap.ID, services.KindInternal, msg)
			logging.ErrorWithContext(w.logger, "job goroutine panicked", "job_panic",
				logging.String(logging.FieldJobID, snap.ID),
				logging.String("panic", msg),
			)
		}
	}()
	w.opts.Runner.Run(ctx, snap)
}

func (w *Worker) noteBlocked(id string, reason error) {
	if w.blocked == id {
		return
	}
	w.blocked = id
	logging.WarnWithContext(w.logger, "dispatch waiting for admission", "admission_blocked",
		logging.String(logging.FieldJobID, id),
		logging.Error(reason),
		logging.String(logging.FieldErrorHint, "free disk space on the stems filesystem"),
		logging.String(logging.FieldImpact, "queued jobs wait until space is available"),
	)
}

func (w *Worker) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.wake:
	case <-time.After(w.opts.PollInterval):
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.opts.PollInterval):
	}
}

func (w *Worker) publishDepth() {
	queued, active := w.opts.Registry.Counts()
	w.opts.Metrics.SetDepth(w.lane, queued, active)
}
