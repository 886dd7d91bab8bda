package preflight

import (
	"context"

	"stemdeck/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail"`
	Critical bool   `json:"critical,omitempty"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		critical(CheckDirectoryAccess("Data directory", cfg.Paths.DataDir)),
		critical(CheckDirectoryAccess("Downloads directory", cfg.Paths.DownloadsDir)),
		critical(CheckDirectoryAccess("Stems directory", cfg.Paths.StemsDir)),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckFreeSpace("Stems free space", cfg.Paths.StemsDir, cfg.Extraction.MinFreeMB),
	}

	for _, status := range CheckSystemDeps(cfg) {
		r := Result{Name: status.Name, Passed: status.Available, Detail: status.Path}
		if !status.Available {
			r.Detail = status.Detail
		}
		results = append(results, r)
	}

	if cfg.Broadcast.RedisEnabled {
		results = append(results, CheckRedis(ctx, cfg.Broadcast.RedisAddr, cfg.Broadcast.RedisPassword, cfg.Broadcast.RedisDB))
	}
	return results
}

// Failed returns the critical results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Critical && !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

func critical(r Result) Result {
	r.Critical = true
	return r
}
