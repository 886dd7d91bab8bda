package download

import (
	"context"
	"os"
	"regexp"
	"strconv"
	"time"

	"stemdeck/internal/config"
	"stemdeck/internal/jobs"
	"stemdeck/internal/services"
	"stemdeck/internal/subprocess"
)

var downloadPercentPattern = regexp.MustCompile(`\[download\]\s+(\d+(?:\.\d+)?)%`)

// CommandFetcher runs an external downloader such as yt-dlp. Args may use the
// {url}, {output}, {content}, and {variant} placeholders.
type CommandFetcher struct {
	Binary    string
	Args      []string
	Grace     time.Duration
	TailLines int
}

// NewCommandFetcher reads the binary and argument template from config.
func NewCommandFetcher(cfg *config.Config) *CommandFetcher {
	return &CommandFetcher{
		Binary:    cfg.Download.Binary,
		Args:      append([]string(nil), cfg.Download.Args...),
		Grace:     cfg.DownloadTimeouts().Grace,
		TailLines: cfg.Registry.TailLines,
	}
}

// Fetch implements Fetcher.
func (f *CommandFetcher) Fetch(ctx context.Context, req Request, report jobs.ProgressFunc) (int64, error) {
	args := make([]string, len(f.Args))
	for i, arg := range f.Args {
		args[i] = expandTemplate(arg, req)
	}
	err := subprocess.Run(ctx, subprocess.Options{
		Binary:    f.Binary,
		Args:      args,
		TailLines: f.TailLines,
	}, f.Grace, func(line string) {
		if report == nil {
			return
		}
		if pct, ok := ParsePercent(line); ok {
			report(pct, "")
		}
	})
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(req.Dest)
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, "download", "stat artifact", "downloader exited without producing "+req.Dest, err)
	}
	return info.Size(), nil
}

// ParsePercent extracts the percentage from a "[download]  42.5% of ..." line.
func ParsePercent(line string) (float64, bool) {
	match := downloadPercentPattern.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
