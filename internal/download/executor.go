package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"stemdeck/internal/backoff"
	"stemdeck/internal/config"
	"stemdeck/internal/fileutil"
	"stemdeck/internal/jobs"
	"stemdeck/internal/logging"
	"stemdeck/internal/services"
)

// Executor runs download jobs.
type Executor struct {
	cfg     *config.Config
	fetcher Fetcher
	policy  backoff.Policy
	logger  *slog.Logger
}

// NewExecutor picks the fetcher from download.mode.
func NewExecutor(cfg *config.Config, logger *slog.Logger) *Executor {
	var fetcher Fetcher
	if cfg.Download.Mode == "command" {
		fetcher = NewCommandFetcher(cfg)
	} else {
		fetcher = NewHTTPFetcher(cfg)
	}
	return NewExecutorWithFetcher(cfg, fetcher, logger)
}

// NewExecutorWithFetcher uses an explicit fetcher.
func NewExecutorWithFetcher(cfg *config.Config, fetcher Fetcher, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	delay := time.Duration(cfg.Download.RetryDelayMillis) * time.Millisecond
	return &Executor{
		cfg:     cfg,
		fetcher: fetcher,
		policy: backoff.Policy{
			Base:     delay,
			Max:      8 * delay,
			Attempts: cfg.Download.TransferRetries + 1,
			Jitter:   0.2,
		},
		logger: logger,
	}
}

// Dest returns where the artifact for spec is written.
func (e *Executor) Dest(spec jobs.Spec, sourceURL string) string {
	name := spec.VariantKey + sourceExtension(sourceURL)
	return filepath.Join(e.cfg.Paths.DownloadsDir, spec.ContentID, name)
}

// Execute fetches the asset for snap and validates the result.
func (e *Executor) Execute(ctx context.Context, snap jobs.Snapshot, report jobs.ProgressFunc) (jobs.Result, error) {
	spec := snap.Spec
	source, err := e.sourceURL(spec)
	if err != nil {
		return jobs.Result{}, err
	}
	req := Request{URL: source, ContentID: spec.ContentID, Variant: spec.VariantKey, Dest: e.Dest(spec, source)}
	if err := prepare(req.Dest); err != nil {
		return jobs.Result{}, err
	}

	logger := logging.WithContext(ctx, e.logger)
	_, err = backoff.Retry(ctx, e.policy, func(attempt int) (int64, error) {
		if attempt > 1 && report != nil {
			report(-1, fmt.Sprintf("retrying transfer (attempt %d)", attempt))
		}
		n, err := e.fetcher.Fetch(ctx, req, report)
		if err != nil && (context.Cause(ctx) != nil || !IsRetryable(err)) {
			return n, backoff.Permanent(err)
		}
		return n, err
	}, func(err error, next time.Duration) {
		logger.Warn("transfer failed, retrying",
			logging.Duration("retry_in", next),
			logging.Error(err),
			logging.String(logging.FieldEventType, "download_retry"),
		)
	})
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return jobs.Result{}, cause
		}
		if errors.Is(err, services.ErrTransient) {
			return jobs.Result{}, fmt.Errorf("after %d attempts: %w", e.policy.Attempts, err)
		}
		return jobs.Result{}, err
	}
	size, err := e.validate(req.Dest)
	if err != nil {
		return jobs.Result{}, err
	}
	return jobs.Result{FilePath: req.Dest, Bytes: size}, nil
}

func (e *Executor) sourceURL(spec jobs.Spec) (string, error) {
	if spec.SourceURL != "" {
		return spec.SourceURL, nil
	}
	if tmpl := e.cfg.Download.URLTemplate; tmpl != "" {
		return strings.NewReplacer(
			"{content}", url.PathEscape(spec.ContentID),
			"{variant}", url.PathEscape(spec.VariantKey),
		).Replace(tmpl), nil
	}
	return "", services.Wrap(services.ErrValidation, "download", "resolve source", "no source url and download.url_template is not set", nil)
}

func (e *Executor) validate(dest string) (int64, error) {
	info, err := os.Stat(dest)
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, "download", "validate artifact", "artifact missing", err)
	}
	if minBytes := e.cfg.Download.MinArtifactBytes; info.Size() < minBytes {
		return 0, services.Wrap(services.ErrValidation, "download", "validate artifact",
			fmt.Sprintf("artifact is %d bytes, below minimum %d", info.Size(), minBytes), nil)
	}
	return info.Size(), nil
}

// prepare removes output left behind by a previous attempt.
func prepare(dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return services.Wrap(services.ErrResource, "download", "prepare", "create artifact directory", err)
	}
	for _, stale := range []string{dest, dest + fileutil.PartSuffix} {
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			return services.Wrap(services.ErrResource, "download", "prepare", "remove stale output", err)
		}
	}
	return nil
}

func sourceExtension(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	return ext
}
