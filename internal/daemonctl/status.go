package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stemdeck/internal/config"
	"stemdeck/internal/daemon"
	"stemdeck/internal/deps"
	"stemdeck/internal/ipc"
	"stemdeck/internal/ledger"
	"stemdeck/internal/preflight"
)

// Severity labels used by status output.
const (
	SeverityOK    = "ok"
	SeverityWarn  = "warn"
	SeverityError = "error"
	SeverityInfo  = "info"
)

// StatusLine is one labelled row of status output.
type StatusLine struct {
	Label    string `json:"label"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// DependencyStatus adds a display severity to a dependency check.
type DependencyStatus struct {
	deps.Status
	Severity string `json:"severity"`
}

// DependencySummary aggregates dependency readiness.
type DependencySummary struct {
	Total           int    `json:"total"`
	Available       int    `json:"available"`
	MissingRequired int    `json:"missing_required"`
	MissingOptional int    `json:"missing_optional"`
	Severity        string `json:"severity"`
	Detail          string `json:"detail"`
}

// Snapshot is what `stemdeck daemon status` renders. Daemon is nil when the
// daemon is offline; Ledger is then read directly from the database.
type Snapshot struct {
	Running      bool               `json:"running"`
	Daemon       *daemon.Status     `json:"daemon,omitempty"`
	Ledger       ledger.Stats       `json:"ledger"`
	LedgerError  string             `json:"ledger_error,omitempty"`
	Dependencies []DependencyStatus `json:"dependencies"`
	Summary      DependencySummary  `json:"dependency_summary"`
	Checks       []StatusLine       `json:"checks"`
}

// BuildStatusSnapshot collects daemon status over IPC and falls back to the
// ledger file and local checks when the daemon is not reachable.
func BuildStatusSnapshot(ctx context.Context, cfg *config.Config) (*Snapshot, error) {
	if cfg == nil {
		return nil, errors.New("configuration not available")
	}
	snap := &Snapshot{}

	var depStatuses []deps.Status
	if client, err := ipc.Dial(cfg.Paths.SocketPath); err == nil {
		resp, statusErr := client.Status()
		_ = client.Close()
		if statusErr == nil {
			status := resp.Status
			snap.Daemon = &status
			snap.Running = status.Running
			snap.Ledger = status.Stats.Ledger
			snap.LedgerError = status.StatsError
			depStatuses = status.Dependencies
		}
	}

	if snap.Daemon == nil {
		queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		stats, err := offlineLedgerStats(queryCtx, cfg)
		if err != nil {
			snap.LedgerError = err.Error()
		}
		snap.Ledger = stats
	}
	if depStatuses == nil {
		depStatuses = preflight.CheckSystemDeps(cfg)
	}

	snap.Dependencies = withSeverity(depStatuses)
	snap.Summary = BuildDependencySummary(snap.Dependencies)
	snap.Checks = BuildSystemChecks(ctx, cfg, snap.Running)
	return snap, nil
}

func offlineLedgerStats(ctx context.Context, cfg *config.Config) (ledger.Stats, error) {
	store, err := ledger.Open(cfg)
	if err != nil {
		return ledger.Stats{}, err
	}
	defer store.Close()
	return store.Stats(ctx)
}

func withSeverity(statuses []deps.Status) []DependencyStatus {
	out := make([]DependencyStatus, 0, len(statuses))
	for _, s := range statuses {
		severity := SeverityOK
		if !s.Available {
			severity = SeverityError
			if s.Optional {
				severity = SeverityWarn
			}
		}
		out = append(out, DependencyStatus{Status: s, Severity: severity})
	}
	return out
}

// BuildSystemChecks turns the daemon state and preflight results into status lines.
func BuildSystemChecks(ctx context.Context, cfg *config.Config, daemonRunning bool) []StatusLine {
	lines := make([]StatusLine, 0, 8)
	if daemonRunning {
		lines = append(lines, StatusLine{Label: "Stemdeck", Severity: SeverityOK, Detail: "Running"})
	} else {
		lines = append(lines, StatusLine{Label: "Stemdeck", Severity: SeverityWarn, Detail: "Not running (run `stemdeck daemon start`)"})
	}

	for _, r := range preflight.RunAll(ctx, cfg) {
		if isDependencyCheck(r.Name) {
			continue
		}
		severity := SeverityOK
		if !r.Passed {
			severity = SeverityWarn
			if r.Critical {
				severity = SeverityError
			}
		}
		lines = append(lines, StatusLine{Label: r.Name, Severity: severity, Detail: r.Detail})
	}

	if cfg.Metrics.Enabled {
		lines = append(lines, StatusLine{Label: "Metrics", Severity: SeverityInfo, Detail: "http://" + cfg.Metrics.Bind + "/metrics"})
	}
	return lines
}

// isDependencyCheck filters binaries out of the system checks; they have
// their own section.
func isDependencyCheck(name string) bool {
	switch name {
	case "Downloader", "Separation engine", "Analysis engine":
		return true
	}
	return false
}

// BuildDependencySummary computes aggregate dependency readiness.
func BuildDependencySummary(statuses []DependencyStatus) DependencySummary {
	if len(statuses) == 0 {
		return DependencySummary{Severity: SeverityInfo, Detail: "No dependency checks configured"}
	}

	missingRequired := 0
	missingOptional := 0
	for _, dep := range statuses {
		if dep.Available {
			continue
		}
		if dep.Optional {
			missingOptional++
		} else {
			missingRequired++
		}
	}

	missing := missingRequired + missingOptional
	available := len(statuses) - missing
	severity := SeverityOK
	if missingRequired > 0 {
		severity = SeverityError
	} else if missingOptional > 0 {
		severity = SeverityWarn
	}
	detail := fmt.Sprintf("%d/%d available", available, len(statuses))
	if missing > 0 {
		detail = fmt.Sprintf("%d/%d available (missing: %d required, %d optional)", available, len(statuses), missingRequired, missingOptional)
	}

	return DependencySummary{
		Total:           len(statuses),
		Available:       available,
		MissingRequired: missingRequired,
		MissingOptional: missingOptional,
		Severity:        severity,
		Detail:          detail,
	}
}
