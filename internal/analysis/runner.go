package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"stemdeck/internal/config"
	"stemdeck/internal/logging"
	"stemdeck/internal/metrics"
	"stemdeck/internal/services"
	"stemdeck/internal/subprocess"
)

// MetadataStore persists analysis output.
type MetadataStore interface {
	SetMetadata(ctx context.Context, id int64, metadata json.RawMessage) error
}

// Runner schedules analysis runs.
type Runner struct {
	binary  string
	args    []string
	timeout time.Duration
	enabled bool

	store   MetadataStore
	logger  *slog.Logger
	metrics *metrics.Metrics

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a runner from the analysis config section.
func New(cfg *config.Config, store MetadataStore, logger *slog.Logger, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		binary:  cfg.Analysis.Binary,
		args:    append([]string(nil), cfg.Analysis.Args...),
		timeout: time.Duration(cfg.Analysis.Timeout) * time.Second,
		enabled: cfg.Analysis.Enabled,
		store:   store,
		logger:  logger,
		metrics: m,
		base:    base,
		cancel:  cancel,
	}
}

// Enabled reports whether analysis is configured.
func (r *Runner) Enabled() bool {
	return r != nil && r.enabled
}

// Schedule analyses input in the background and stores the result on the
// record. It returns immediately.
func (r *Runner) Schedule(ctx context.Context, recordID int64, input string) {
	if !r.Enabled() || input == "" {
		return
	}
	// Keep the job's log fields but not its cancellation.
	logger := logging.WithContext(ctx, r.logger)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		runCtx, cancel := context.WithTimeout(r.base, r.timeout)
		defer cancel()

		start := time.Now()
		metadata, err := r.Run(runCtx, input)
		if err == nil {
			err = r.store.SetMetadata(runCtx, recordID, metadata)
		}
		if err != nil {
			r.metrics.ObserveAnalysis("failed")
			logging.WarnWithContext(logger, "analysis failed", "analysis_failed",
				logging.Int64("record_id", recordID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check analysis.binary and its output format"),
				logging.String(logging.FieldImpact, "download is usable; metadata was not attached"),
			)
			return
		}
		r.metrics.ObserveAnalysis("ok")
		logger.Info("analysis attached",
			logging.Int64("record_id", recordID),
			logging.Int("bytes", len(metadata)),
			logging.Duration("elapsed", time.Since(start)),
		)
	}()
}

// Run executes the engine synchronously and returns its JSON output.
func (r *Runner) Run(ctx context.Context, input string) (json.RawMessage, error) {
	args := make([]string, len(r.args))
	for i, arg := range r.args {
		args[i] = strings.ReplaceAll(arg, "{input}", input)
	}
	var lines []string
	err := subprocess.Run(ctx, subprocess.Options{Binary: r.binary, Args: args}, time.Second, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		return nil, err
	}
	return extractJSON(lines)
}

// Wait blocks until every scheduled run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close cancels in-flight runs and waits for them.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

// extractJSON accepts either a document spanning all lines or, when the
// engine also logs, the last line that is a complete JSON value.
func extractJSON(lines []string) (json.RawMessage, error) {
	var buf bytes.Buffer
	if whole := strings.Join(lines, "\n"); json.Valid([]byte(whole)) {
		if err := json.Compact(&buf, []byte(whole)); err == nil {
			return buf.Bytes(), nil
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") && !strings.HasPrefix(line, "[") {
			continue
		}
		if json.Valid([]byte(line)) {
			buf.Reset()
			if err := json.Compact(&buf, []byte(line)); err == nil {
				return buf.Bytes(), nil
			}
		}
	}
	return nil, services.Wrap(services.ErrValidation, "analysis", "parse output", "engine printed no JSON", errors.New(tail(lines)))
}

func tail(lines []string) string {
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " | ")
}
