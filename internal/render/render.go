// Package render formats cycle reports and lookups for the terminal.
package render

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

// Plan renders the change a cycle computed: the entries to add and remove
// and what led to them.
func Plan(r *domain.CycleReport) string {
	var b strings.Builder

	b.WriteString(HeaderStyle.Render("Ban set plan"))
	b.WriteString("\n")
	b.WriteString(summaryLine(r))
	b.WriteString("\n\n")

	if len(r.Promoted) > 0 {
		b.WriteString(TextBold.Render("Promoted"))
		b.WriteString("\n")
		for _, a := range r.Promoted {
			b.WriteString("  " + TextAmber.Render(a.String()) + "\n")
		}
		b.WriteString("\n")
	}

	if r.Diff.Empty() {
		b.WriteString(TextMuted.Render("No changes. The ban set is up to date."))
		b.WriteString("\n")
		return BoxStyle.Render(strings.TrimRight(b.String(), "\n"))
	}

	for _, e := range r.Diff.Added {
		b.WriteString(TextAdded.Render("+ "+e.String()) + kindSuffix(e) + "\n")
	}
	for _, e := range r.Diff.Removed {
		b.WriteString(TextRemoved.Render("- "+e.String()) + kindSuffix(e) + "\n")
	}
	b.WriteString("\n")
	b.WriteString(TextMuted.Render(fmt.Sprintf("%d to add, %d to remove, %d entries after apply",
		len(r.Diff.Added), len(r.Diff.Removed), len(r.Desired))))

	return BoxStyle.Render(b.String())
}

// Cycle renders a one-line summary of a completed cycle.
func Cycle(r *domain.CycleReport) string {
	result := string(r.Result)
	switch r.Result {
	case domain.CycleWritten:
		result = TextAdded.Render(result)
	case domain.CycleFailed, domain.CycleAborted:
		result = TextAmber.Render(result)
	default:
		result = TextMuted.Render(result)
	}
	line := fmt.Sprintf("%s  %s", result, summaryLine(r))
	if !r.Diff.Empty() && r.Result == domain.CycleWritten {
		line += fmt.Sprintf("  +%d -%d", len(r.Diff.Added), len(r.Diff.Removed))
	}
	if r.Err != "" {
		line += "  " + TextAmber.Render(r.Err)
	}
	return line
}

func summaryLine(r *domain.CycleReport) string {
	return TextMuted.Render(fmt.Sprintf("lines %d  accepted %d  tracked %d  promoted %d  pending %d  took %s",
		r.LinesRead,
		r.Lines[domain.LineAccepted],
		r.Tracked,
		len(r.Promoted),
		r.Pending,
		r.Duration.Round(time.Millisecond),
	))
}

func kindSuffix(e domain.BanEntry) string {
	if e.IsHostRoute() {
		return TextMuted.Render("  host")
	}
	return TextCyan.Render("  range")
}

// Resolutions renders a table of address to owning range.
func Resolutions(results map[netip.Addr]domain.RangeInfo) string {
	addrs := make([]netip.Addr, 0, len(results))
	for a := range results {
		addrs = append(addrs, a)
	}
	slices.SortFunc(addrs, netip.Addr.Compare)

	addrW, rangeW := len("ADDRESS"), len("RANGE")
	for _, a := range addrs {
		addrW = max(addrW, len(a.String()))
		rangeW = max(rangeW, len(results[a].Range.String()))
	}

	col := func(s string, w int) string {
		return lipgloss.NewStyle().Width(w + 2).Render(s)
	}

	var b strings.Builder
	b.WriteString(TextBold.Render(col("ADDRESS", addrW) + col("RANGE", rangeW) + col("CC", 2) + "SOURCE"))
	b.WriteString("\n")
	for _, a := range addrs {
		info := results[a]
		source := info.Source
		if info.Fallback {
			source = TextAmber.Render(domain.SourceFallback)
		}
		country := info.Country
		if country == "" {
			country = "--"
		}
		b.WriteString(col(a.String(), addrW) + col(info.Range.String(), rangeW) + col(country, 2) + source)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
