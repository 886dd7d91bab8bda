package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"stemdeck/internal/config"
	"stemdeck/internal/fileutil"
	"stemdeck/internal/jobs"
	"stemdeck/internal/services"
)

const userAgent = "stemdeck/0.1"

// HTTPFetcher downloads over HTTP into "<dest>.part" and renames on success.
// A partial file left by an interrupted read is resumed with a Range request
// on the next call.
type HTTPFetcher struct {
	client         *http.Client
	reportInterval time.Duration
}

// NewHTTPFetcher builds a fetcher whose response-header timeout comes from
// download.request_timeout. The body itself is bounded by the job timers.
func NewHTTPFetcher(cfg *config.Config) *HTTPFetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = time.Duration(cfg.Download.RequestTimeout) * time.Second
	return &HTTPFetcher{
		client:         &http.Client{Transport: transport},
		reportInterval: 250 * time.Millisecond,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request, report jobs.ProgressFunc) (int64, error) {
	part := req.Dest + fileutil.PartSuffix
	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, "download", "build request", "invalid source url", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	if offset > 0 {
		httpReq.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, services.Wrap(services.ErrTransient, "download", "request", "source unreachable", err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusOK:
		offset = 0
		flags |= os.O_TRUNC
	case resp.StatusCode == http.StatusPartialContent:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// The previous read got everything; only the rename was missing.
		return finish(part, req.Dest)
	default:
		return 0, statusError(resp)
	}

	file, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return 0, services.Wrap(services.ErrResource, "download", "open partial file", "", err)
	}

	var total int64
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}
	pw := &progressWriter{
		w:       file,
		written: offset,
		total:   total,
		report:  report,
		limit:   rate.Sometimes{Interval: f.reportInterval},
	}
	n, copyErr := io.Copy(pw, resp.Body)
	closeErr := file.Close()

	switch {
	case copyErr != nil:
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			return 0, ctxErr
		}
		if pw.writeErr != nil {
			return 0, services.Wrap(services.ErrResource, "download", "write", "", pw.writeErr)
		}
		return 0, services.Wrap(services.ErrTransient, "download", "read body", fmt.Sprintf("interrupted after %d bytes", offset+n), copyErr)
	case closeErr != nil:
		return 0, services.Wrap(services.ErrResource, "download", "close partial file", "", closeErr)
	case resp.ContentLength > 0 && n != resp.ContentLength:
		return 0, services.Wrap(services.ErrTransient, "download", "read body", fmt.Sprintf("short body: %d of %d bytes", n, resp.ContentLength), nil)
	}
	if report != nil {
		report(100, "transfer complete")
	}
	return finish(part, req.Dest)
}

func finish(part, dest string) (int64, error) {
	if err := os.Rename(part, dest); err != nil {
		return 0, services.Wrap(services.ErrResource, "download", "finalize", "", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return 0, services.Wrap(services.ErrResource, "download", "stat artifact", "", err)
	}
	return info.Size(), nil
}

func statusError(resp *http.Response) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("source returned %s", resp.Status)
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return services.Wrap(services.ErrNotFound, "download", "request", msg, nil)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return services.Wrap(services.ErrTransient, "download", "request", msg, nil)
	default:
		return services.Wrap(services.ErrValidation, "download", "request", msg, nil)
	}
}

type progressWriter struct {
	w        io.Writer
	written  int64
	total    int64
	report   jobs.ProgressFunc
	limit    rate.Sometimes
	writeErr error
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if err != nil {
		p.writeErr = err
		return n, err
	}
	if p.report != nil {
		p.limit.Do(func() {
			if p.total > 0 {
				p.report(float64(p.written)*100/float64(p.total), "")
			} else {
				p.report(-1, fmt.Sprintf("%d bytes", p.written))
			}
		})
	}
	return n, nil
}

// IsRetryable reports whether a fetch error is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, services.ErrTransient)
}
