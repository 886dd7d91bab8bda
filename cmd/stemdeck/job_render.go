package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"stemdeck/internal/jobs"
	"stemdeck/internal/pipeline"
)

var titleCaser = cases.Title(language.English)

// statusLabel renders a status value such as "in_progress" as "In Progress".
func statusLabel(status string) string {
	status = strings.TrimSpace(status)
	if status == "" {
		return "Unknown"
	}
	return titleCaser.String(strings.ReplaceAll(status, "_", " "))
}

func formatProgress(percent float64) string {
	if percent <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", min(percent, 100))
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func shortJobID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}

func resultLines(result jobs.Result) []string {
	var lines []string
	if result.FilePath != "" {
		lines = append(lines, fmt.Sprintf("  File:    %s", result.FilePath))
	}
	for _, stem := range slices.Sorted(maps.Keys(result.Outputs)) {
		lines = append(lines, fmt.Sprintf("  %-8s %s", stem+":", result.Outputs[stem]))
	}
	return lines
}

func jobDetailLines(snap jobs.Snapshot) []string {
	lines := []string{
		fmt.Sprintf("Job:      %s", snap.ID),
		fmt.Sprintf("Kind:     %s", snap.Spec.Kind),
		fmt.Sprintf("Content:  %s", snap.Spec.ContentID),
	}
	if snap.Spec.VariantKey != "" {
		lines = append(lines, fmt.Sprintf("Variant:  %s", snap.Spec.VariantKey))
	}
	lines = append(lines,
		fmt.Sprintf("User:     %s", snap.Spec.UserID),
		fmt.Sprintf("Status:   %s", statusLabel(string(snap.Status))),
		fmt.Sprintf("Progress: %s", formatProgress(snap.Progress)),
	)
	if snap.Attempt > 1 {
		lines = append(lines, fmt.Sprintf("Attempt:  %d", snap.Attempt))
	}
	if snap.Message != "" {
		lines = append(lines, fmt.Sprintf("Message:  %s", snap.Message))
	}
	if snap.Error != "" {
		detail := snap.Error
		if snap.ErrorKind != "" {
			detail = fmt.Sprintf("%s (%s)", snap.Error, snap.ErrorKind)
		}
		lines = append(lines, fmt.Sprintf("Error:    %s", detail))
	}
	if snap.CancelRequested && !snap.Status.Terminal() {
		lines = append(lines, "Cancel:   requested")
	}
	lines = append(lines, fmt.Sprintf("Created:  %s", formatTimestamp(snap.CreatedAt)))
	if !snap.StartedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("Started:  %s", formatTimestamp(snap.StartedAt)))
	}
	if !snap.FinishedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("Finished: %s", formatTimestamp(snap.FinishedAt)))
	}
	if snap.Result != nil && !snap.Result.Empty() {
		lines = append(lines, "Result:")
		lines = append(lines, resultLines(*snap.Result)...)
	}
	return lines
}

func buildEntryRows(entries []pipeline.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		variant := entry.VariantKey
		if variant == "" {
			variant = "-"
		}
		status := statusLabel(entry.Status)
		if entry.Error != "" {
			status = fmt.Sprintf("%s: %s", status, entry.Error)
		}
		rows = append(rows, []string{
			entry.ContentID,
			variant,
			string(entry.Kind),
			status,
			formatProgress(entry.Progress),
			shortJobID(entry.JobID),
			formatTimestamp(entry.UpdatedAt),
		})
	}
	return rows
}
