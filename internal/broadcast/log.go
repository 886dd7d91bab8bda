package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stemdeck/internal/logging"
)

// Log writes events to a structured logger. Progress is sampled per job so a
// chatty engine does not flood the log.
type Log struct {
	logger *slog.Logger

	mu       sync.Mutex
	samplers map[string]*logging.ProgressSampler
}

// NewLog returns a log-backed broadcaster.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Log{logger: logger, samplers: make(map[string]*logging.ProgressSampler)}
}

// Publish implements Broadcaster.
func (l *Log) Publish(_ context.Context, ev Event) error {
	attrs := []logging.Attr{
		logging.String(logging.FieldJobID, ev.JobID),
		logging.String(logging.FieldJobKind, string(ev.Kind)),
		logging.String(logging.FieldUserID, ev.UserID),
		logging.String(logging.FieldContentID, ev.ContentID),
		logging.String(logging.FieldVariant, ev.VariantKey),
	}
	switch ev.Type {
	case EventStart:
		l.logger.Info("job started", logging.Args(append(attrs, logging.Int("attempt", ev.Attempt))...)...)
	case EventProgress:
		if !l.sampler(ev.JobID).ShouldLog(ev.Progress) {
			return nil
		}
		attrs = append(attrs, logging.Float64("progress", ev.Progress))
		if ev.Message != "" {
			attrs = append(attrs, logging.String("message", ev.Message))
		}
		l.logger.Info("job progress", logging.Args(attrs...)...)
	case EventComplete:
		l.forget(ev.JobID)
		if ev.Result != nil && ev.Result.FilePath != "" {
			attrs = append(attrs, logging.String("file", ev.Result.FilePath))
		}
		if ev.Result != nil && len(ev.Result.Outputs) > 0 {
			attrs = append(attrs, logging.Int("outputs", len(ev.Result.Outputs)))
		}
		l.logger.Info("job completed", logging.Args(attrs...)...)
	case EventCancel:
		l.forget(ev.JobID)
		l.logger.Info("job cancelled", logging.Args(attrs...)...)
	case EventError:
		l.forget(ev.JobID)
		logging.ErrorWithContext(l.logger, "job failed", "job_failed", append(attrs,
			logging.String(logging.FieldErrorKind, ev.ErrorKind),
			logging.String("error", ev.Error),
			logging.String(logging.FieldErrorHint, hintFor(ev.ErrorKind)),
		)...)
	}
	return nil
}

func (l *Log) sampler(jobID string) *logging.ProgressSampler {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.samplers[jobID]
	if !ok {
		s = logging.NewProgressSampler(25, 30*time.Second)
		l.samplers[jobID] = s
	}
	return s
}

func (l *Log) forget(jobID string) {
	l.mu.Lock()
	delete(l.samplers, jobID)
	l.mu.Unlock()
}

func hintFor(kind string) string {
	switch kind {
	case "timeout":
		return "the engine stalled or ran too long; raise the timeout or model multiplier"
	case "subprocess":
		return "inspect the engine output tail in the error message"
	case "resource":
		return "check free disk space, permissions, and that engine binaries are installed"
	case "transient":
		return "retry the job; the remote source may be temporarily unavailable"
	case "validation":
		return "the produced artifact was missing or too small"
	default:
		return "check logs for details"
	}
}
