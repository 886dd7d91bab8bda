package download

import (
	"context"
	"strings"

	"stemdeck/internal/jobs"
)

// Request describes one transfer.
type Request struct {
	URL       string
	ContentID string
	Variant   string
	Dest      string
}

// Fetcher moves a remote asset to Request.Dest and returns its size.
// Implementations mark retryable failures with services.ErrTransient.
type Fetcher interface {
	Fetch(ctx context.Context, req Request, report jobs.ProgressFunc) (int64, error)
}

func expandTemplate(value string, req Request) string {
	return strings.NewReplacer(
		"{url}", req.URL,
		"{output}", req.Dest,
		"{content}", req.ContentID,
		"{variant}", req.Variant,
	).Replace(value)
}
