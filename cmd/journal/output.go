package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dethbird/journal-sub000/internal/orchestrator"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

// statusColor picks the color for a provider run status.
func statusColor(status string) string {
	switch status {
	case orchestrator.StatusOK:
		return colorGreen
	case orchestrator.StatusPartial, orchestrator.StatusSkipped:
		return colorYellow
	default:
		return colorRed
	}
}

// writeSummary renders one row per provider followed by its errors.
func writeSummary(w io.Writer, sum orchestrator.Summary) {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSTATUS\tTARGETS\tFETCHED\tNEW\tDUP\tENRICHED\tREENRICHED\tFAILED")
	for _, ps := range sum.Providers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			ps.Provider, colorize(statusColor(ps.Status), ps.Status),
			ps.Targets, ps.Fetched, ps.Created, ps.Duplicates, ps.Enriched, ps.Reenriched, ps.Failed)
	}
	tw.Flush()
	for _, ps := range sum.Providers {
		for _, e := range ps.Errors {
			fmt.Fprintf(w, "  %s %s\n", colorize(colorRed, ps.Provider+":"), e)
		}
	}
	fmt.Fprintf(w, "cycle %s finished in %s\n", sum.CycleID, sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
}
