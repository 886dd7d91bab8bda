package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/redis/go-redis/v9"

	"stemdeck/internal/analysis"
	"stemdeck/internal/backoff"
	"stemdeck/internal/broadcast"
	"stemdeck/internal/config"
	"stemdeck/internal/deps"
	"stemdeck/internal/download"
	"stemdeck/internal/jobs"
	"stemdeck/internal/ledger"
	"stemdeck/internal/logging"
	"stemdeck/internal/metrics"
	"stemdeck/internal/notifications"
	"stemdeck/internal/pipeline"
	"stemdeck/internal/preflight"
	"stemdeck/internal/reconcile"
	"stemdeck/internal/reservation"
	"stemdeck/internal/separation"
	"stemdeck/internal/supervisor"
	"stemdeck/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Options carries optional collaborators. Zero values select the defaults
// derived from the config.
type Options struct {
	Metrics *metrics.Metrics
	// Broadcaster receives every job event in addition to the log and Redis sinks.
	Broadcaster broadcast.Broadcaster
	// Executors overrides the executor for a job kind.
	Executors map[jobs.Kind]supervisor.Executor
}

// Daemon coordinates the background processing services and enforces single-instance execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *ledger.Store
	metrics *metrics.Metrics

	service    *pipeline.Service
	workers    []*worker.Worker
	reconciler *reconcile.Reconciler
	analysis   *analysis.Runner
	async      *broadcast.Async
	redis      *redis.Client
	http       *httpServer
	deps       []deps.Status

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	running atomic.Bool
	stopped bool

	stateMu       sync.RWMutex
	startedAt     time.Time
	lastReconcile *reconcile.Result
}

// Status represents daemon runtime information.
type Status struct {
	Running       bool              `json:"running"`
	PID           int               `json:"pid"`
	StartedAt     time.Time         `json:"started_at,omitzero"`
	LedgerPath    string            `json:"ledger_path"`
	LockPath      string            `json:"lock_path"`
	SocketPath    string            `json:"socket_path"`
	LogPath       string            `json:"log_path"`
	Stats         pipeline.Stats    `json:"stats"`
	StatsError    string            `json:"stats_error,omitempty"`
	Dependencies  []deps.Status     `json:"dependencies"`
	LastReconcile *reconcile.Result `json:"last_reconcile,omitempty"`
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *ledger.Store, logger *slog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil || store == nil {
		return nil, errors.New("daemon requires config and ledger store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		metrics:  m,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
		deps:     preflight.CheckSystemDeps(cfg),
	}

	notifier := d.buildNotifier(opts.Broadcaster)
	coord := reservation.New(store, backoff.FromConfig(cfg.Reservation), logger, m)
	d.analysis = analysis.New(cfg, store, logger, m)

	regOpts := jobs.Options{TerminalCapacity: cfg.Registry.TerminalCapacity, TerminalTTL: cfg.TerminalTTL()}

	downloadExec := opts.Executors[jobs.KindDownload]
	if downloadExec == nil {
		downloadExec = download.NewExecutor(cfg, logger)
	}
	downloads := jobs.NewRegistry(jobs.KindDownload, regOpts)
	downloadSup := supervisor.New(supervisor.Options{
		Registry: downloads,
		Executor: downloadExec,
		Ledger:   coord,
		Notifier: notifier,
		Timeouts: func(jobs.Spec) config.Timeouts { return cfg.DownloadTimeouts() },
		Metrics:  m,
		Logger:   logger,
		OnSuccess: func(ctx context.Context, snap jobs.Snapshot) {
			if snap.Result != nil {
				d.analysis.Schedule(ctx, snap.RecordID, snap.Result.FilePath)
			}
		},
	})

	extractionExec := opts.Executors[jobs.KindExtraction]
	if extractionExec == nil {
		extractionExec = separation.NewExecutor(cfg, store, logger)
	}
	extractions := jobs.NewRegistry(jobs.KindExtraction, regOpts)
	extractionSup := supervisor.New(supervisor.Options{
		Registry: extractions,
		Executor: extractionExec,
		Ledger:   coord,
		Notifier: notifier,
		Timeouts: func(spec jobs.Spec) config.Timeouts { return cfg.ExtractionTimeouts(spec.VariantKey) },
		Metrics:  m,
		Logger:   logger,
	})

	d.workers = []*worker.Worker{
		worker.New(worker.Options{
			Registry:     downloads,
			Runner:       downloadSup,
			Capacity:     cfg.Download.MaxConcurrent,
			PollInterval: cfg.PollInterval(),
			Metrics:      m,
			Logger:       logger,
		}),
		worker.New(worker.Options{
			Registry:     extractions,
			Runner:       extractionSup,
			Capacity:     cfg.ExtractionConcurrency(),
			PollInterval: cfg.PollInterval(),
			Admit:        worker.DiskAdmission(cfg.Paths.StemsDir, cfg.Extraction.MinFreeMB),
			Metrics:      m,
			Logger:       logger,
		}),
	}

	d.service = pipeline.New(pipeline.Options{
		Reservations: coord,
		Access:       store,
		Workers:      d.workers,
		Notifier:     notifier,
		Metrics:      m,
		Logger:       logger,
	})
	d.reconciler = reconcile.New(store, []string{cfg.Paths.DownloadsDir, cfg.Paths.StemsDir}, logger, m)

	if cfg.Metrics.Enabled {
		d.http = newHTTPServer(cfg.Metrics.Bind, d, logger)
	}
	return d, nil
}

// buildNotifier assembles log -> redis -> extra sinks behind one async queue
// so a slow subscriber never stalls a worker.
func (d *Daemon) buildNotifier(extra broadcast.Broadcaster) *broadcast.Notifier {
	sinks := broadcast.Fanout{broadcast.NewLog(d.logger)}
	if d.cfg.Broadcast.RedisEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sink, client, err := broadcast.DialRedis(ctx, d.cfg)
		cancel()
		if err != nil {
			logging.WarnWithContext(d.logger, "redis broadcast disabled", "broadcast_unavailable",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check broadcast.redis_addr or set redis_enabled = false"),
				logging.String(logging.FieldImpact, "job events are only written to the log"),
			)
		} else {
			d.redis = client
			sinks = append(sinks, sink)
		}
	}
	if ntfy := notifications.NewNtfy(d.cfg); ntfy != nil {
		sinks = append(sinks, ntfy)
	}
	if extra != nil {
		sinks = append(sinks, extra)
	}
	d.async = broadcast.NewAsync(sinks, func(ev broadcast.Event, err error) {
		d.metrics.ObserveBroadcastFailure()
		logging.WarnWithContext(d.logger, "job event delivery failed", "broadcast_failed",
			logging.String(logging.FieldJobID, ev.JobID),
			logging.String("event", string(ev.Type)),
			logging.Error(err),
		)
	})
	return broadcast.NewNotifier(d.async, d.logger, d.metrics)
}

// Start acquires the daemon lock, reconciles leftover state and launches the workers.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if d.stopped {
		return errors.New("daemon cannot be restarted after stop")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another stemdeck daemon instance is already running")
	}

	if err := d.startLocked(ctx); err != nil {
		_ = d.lock.Unlock()
		return err
	}

	d.stateMu.Lock()
	d.startedAt = time.Now()
	d.stateMu.Unlock()
	d.running.Store(true)
	d.logger.Info("stemdeck daemon started",
		logging.String("lock", d.lockPath),
		logging.String("ledger", d.store.Path()),
		logging.String(logging.FieldEventType, "daemon_start"),
	)
	return nil
}

func (d *Daemon) startLocked(ctx context.Context) error {
	results := preflight.RunAll(ctx, d.cfg)
	for _, r := range results {
		if !r.Passed {
			logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
				logging.Bool("critical", r.Critical),
			)
		}
	}
	if failed := preflight.Failed(results); len(failed) > 0 {
		return fmt.Errorf("preflight: %s: %s", failed[0].Name, failed[0].Detail)
	}

	// Repair must finish before any worker can pick up a job.
	result, err := d.reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	d.stateMu.Lock()
	d.lastReconcile = &result
	d.stateMu.Unlock()

	started := make([]*worker.Worker, 0, len(d.workers))
	for _, w := range d.workers {
		if err := w.Start(ctx); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return fmt.Errorf("start %s worker: %w", w.Kind(), err)
		}
		started = append(started, w)
	}

	if err := d.http.start(ctx); err != nil {
		d.service.Shutdown(ctx)
		return err
	}
	return nil
}

// Stop drains the workers, releases every held reservation and unlocks.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	d.http.stop()
	d.service.Shutdown(ctx)
	d.closeBackgroundLocked(ctx)
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("stemdeck daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// closeBackgroundLocked stops the analysis runs and flushes pending events.
func (d *Daemon) closeBackgroundLocked(ctx context.Context) {
	if d.stopped {
		return
	}
	d.stopped = true
	d.analysis.Close()
	if err := d.async.Close(ctx); err != nil {
		d.logger.Warn("job events dropped at shutdown", logging.Error(err))
	}
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()

	d.mu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	d.closeBackgroundLocked(ctx)
	cancel()
	d.mu.Unlock()

	var errs []error
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	return errors.Join(errs...)
}

// Service exposes the boundary operations.
func (d *Daemon) Service() *pipeline.Service {
	return d.service
}

// Metrics returns the collector set the daemon reports into.
func (d *Daemon) Metrics() *metrics.Metrics {
	return d.metrics
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.cfg.LogPath()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	d.stateMu.RLock()
	startedAt := d.startedAt
	last := d.lastReconcile
	d.stateMu.RUnlock()

	status := Status{
		Running:       d.running.Load(),
		PID:           os.Getpid(),
		StartedAt:     startedAt,
		LedgerPath:    d.store.Path(),
		LockPath:      d.lockPath,
		SocketPath:    d.cfg.Paths.SocketPath,
		LogPath:       d.cfg.LogPath(),
		Dependencies:  d.deps,
		LastReconcile: last,
	}
	stats, err := d.service.Stats(ctx)
	if err != nil {
		status.StatsError = err.Error()
	}
	status.Stats = stats
	return status
}

// DatabaseHealth returns detailed ledger diagnostics.
func (d *Daemon) DatabaseHealth(ctx context.Context) (ledger.DatabaseHealth, error) {
	return d.store.CheckHealth(ctx)
}

// InspectLedger reports what a repair would change without writing.
func (d *Daemon) InspectLedger(ctx context.Context) (ledger.RepairReport, error) {
	return d.reconciler.Inspect(ctx)
}
