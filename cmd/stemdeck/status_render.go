package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"stemdeck/internal/daemonctl"
)

const statusLabelWidth = 20

var severityColors = map[string]text.Colors{
	daemonctl.SeverityOK:    {text.FgGreen},
	daemonctl.SeverityWarn:  {text.FgYellow},
	daemonctl.SeverityError: {text.FgRed},
	daemonctl.SeverityInfo:  {text.FgBlue},
}

// renderStatusLine formats "  Label:   [SEVERITY] message". Unknown
// severities render as INFO.
func renderStatusLine(label, severity, message string, colorize bool) string {
	severity = strings.ToLower(strings.TrimSpace(severity))
	colors, ok := severityColors[severity]
	if !ok {
		severity, colors = daemonctl.SeverityInfo, severityColors[daemonctl.SeverityInfo]
	}
	tag := "[" + strings.ToUpper(severity) + "]"
	if message != "" {
		tag += " " + message
	}
	line := fmt.Sprintf("  %-*s %s", statusLabelWidth, label+":", tag)
	if colorize {
		return colors.Sprint(line)
	}
	return line
}

func printSection(w io.Writer, title string, colorize bool) {
	header := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(header))
	if colorize {
		header, rule = text.FgBlue.Sprint(header), text.FgBlue.Sprint(rule)
	}
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, rule)
}

func shouldColorize(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
