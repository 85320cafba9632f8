// Package report renders run summaries and ledger listings for the
// terminal.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"gpudiff/internal/batch"
	"gpudiff/internal/core"
	"gpudiff/internal/state"
)

var (
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// NewProgress returns a batch.Orchestrator progress factory writing to w,
// or nil when disabled.
func NewProgress(w io.Writer, enabled bool) func(total int, desc string) batch.Progress {
	if !enabled {
		return nil
	}
	return func(total int, desc string) batch.Progress {
		return progressbar.NewOptions(total,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(desc),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("tests"),
			progressbar.OptionClearOnFinish(),
		)
	}
}

func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 0:
				return normalStyle
			default:
				return rightAlignedStyle
			}
		})
}

var outcomeColumns = []core.Outcome{core.OutcomeOK, core.OutcomeError, core.OutcomeTimeout, core.OutcomeNotRun}

// RenderSummary renders the per-backend outcome table followed by the run
// totals.
func RenderSummary(s *batch.Summary) string {
	if s == nil {
		return ""
	}
	headers := []string{"backend"}
	for _, o := range outcomeColumns {
		headers = append(headers, string(o))
	}
	t := newTable(headers...)
	for _, name := range s.Backends {
		row := []string{name}
		for _, o := range outcomeColumns {
			row = append(row, humanize.Comma(int64(s.Outcomes[name][o])))
		}
		t.Row(row...)
	}

	var b strings.Builder
	if len(s.Backends) > 0 && s.Tests > 0 {
		b.WriteString(t.Render())
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "batches: %s  generated: %s  tests: %s  skipped: %s  divergences: %s",
		humanize.Comma(int64(s.Batches)),
		humanize.Comma(int64(s.Generated)),
		humanize.Comma(int64(s.Tests)),
		humanize.Comma(int64(s.Skipped)),
		humanize.Comma(int64(len(s.Divergences))),
	)
	if sev := formatCounts(s.Severities); sev != "" {
		fmt.Fprintf(&b, " (%s)", sev)
	}
	b.WriteByte('\n')
	if red := formatCounts(s.Reductions); red != "" {
		fmt.Fprintf(&b, "reductions: %s\n", red)
	}
	if s.Elapsed > 0 {
		fmt.Fprintf(&b, "elapsed: %s\n", s.Elapsed.Round(time.Millisecond))
	}
	return b.String()
}

// formatCounts renders non-zero counts as "k=v" pairs sorted by key.
func formatCounts[K ~string](m map[K]int) string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v > 0 {
			keys = append(keys, string(k))
		}
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + humanize.Comma(int64(m[K(k)]))
	}
	return strings.Join(parts, ", ")
}

// RenderRecords renders the divergence ledger. now anchors relative times.
func RenderRecords(records []state.Divergence, now time.Time) string {
	if len(records) == 0 {
		return "no divergences recorded\n"
	}
	t := newTable("shader", "severity", "classes", "status", "reduction", "recorded")
	for _, d := range records {
		classes := make([]string, len(d.Classes))
		for i, c := range d.Classes {
			classes[i] = "{" + strings.Join(c, ",") + "}"
		}
		reduction := "-"
		if d.Reduction != nil {
			reduction = d.Reduction.Result
		}
		t.Row(
			strconv.FormatInt(d.GlobalID, 10),
			d.Severity,
			strings.Join(classes, " "),
			string(d.Status),
			reduction,
			humanize.RelTime(d.CreatedAt, now, "ago", "from now"),
		)
	}
	return t.Render() + "\n"
}
