package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/twitter/vosges/scheduler/domain"
)

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

func statusStyle(s domain.Status) lipgloss.Style {
	switch {
	case s == domain.Success:
		return okStyle
	case s == domain.Canceled:
		return skippedStyle
	case s.IsFailed():
		return errorStyle
	case s.IsActive():
		return activeStyle
	}
	return lipgloss.NewStyle()
}

// GroupDone prints one line per finished group. Canceled groups are collected
// and printed with the final snapshot.
func (r *Reporter) GroupDone(g *domain.Group, elapsed time.Duration) {
	status := g.Status()
	if status == domain.Canceled {
		r.skipped = append(r.skipped, g.QualifiedName())
		return
	}
	label := "ok"
	switch {
	case !status.IsTerminal():
		label = "partly skipped"
	case status != domain.Success:
		label = status.String()
	}
	fmt.Fprintf(r.options.Console, "%-30s %s [%s]\n",
		g.QualifiedName(), statusStyle(status).Render(label), elapsed.Round(time.Second))
}

// Table renders the status of every group of snap and counts its jobs by status.
func Table(snap *Snapshot) string {
	counts := map[string]map[domain.Status]int{}
	for _, j := range snap.Jobs {
		if counts[j.Group] == nil {
			counts[j.Group] = map[domain.Status]int{}
		}
		counts[j.Group][j.Status]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", snap.NameCode, statusStyle(snap.Status).Render(snap.Status.String()))
	fmt.Fprintf(&b, "%s %s %s\n",
		headerStyle.Render(fmt.Sprintf("%-30s", "GROUP")),
		headerStyle.Render(fmt.Sprintf("%-10s", "STATUS")),
		headerStyle.Render("JOBS"))
	for _, g := range snap.Groups {
		var parts []string
		for _, s := range domain.Statuses {
			if n := counts[g.Name][s]; n > 0 {
				parts = append(parts, statusStyle(s).Render(fmt.Sprintf("%d %s", n, s)))
			}
		}
		fmt.Fprintf(&b, "%-30s %s %s\n",
			g.QualifiedName,
			statusStyle(g.Status).Render(fmt.Sprintf("%-10s", g.Status)),
			strings.Join(parts, ", "))
	}
	return b.String()
}
