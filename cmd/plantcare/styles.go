package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/verdant/plantcare/internal/care"
	"github.com/verdant/plantcare/internal/propagation"
)

var (
	ColorRed    = lipgloss.Color("#E05252")
	ColorOrange = lipgloss.Color("#E5934B")
	ColorYellow = lipgloss.Color("#E5C07B")
	ColorGreen  = lipgloss.Color("#25A065")
	ColorGray   = lipgloss.Color("#626262")
	ColorWhite  = lipgloss.Color("#FFFFFF")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorWhite)
	dimStyle     = lipgloss.NewStyle().Foreground(ColorGray)
	errorStyle   = lipgloss.NewStyle().Foreground(ColorRed)
	sectionStyle = lipgloss.NewStyle().Bold(true).MarginTop(1)
)

var urgencyColors = map[care.UrgencyLevel]lipgloss.Color{
	care.UrgencyOverdue:  ColorRed,
	care.UrgencyDueToday: ColorOrange,
	care.UrgencyDueSoon:  ColorYellow,
	care.UrgencyHealthy:  ColorGreen,
	care.UrgencyUnknown:  ColorGray,
}

func urgencyStyle(u care.UrgencyLevel) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(urgencyColors[u])
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dueText(st care.Status) string {
	if st.DaysUntilDue == nil {
		return "never fertilized"
	}
	switch d := *st.DaysUntilDue; {
	case d < 0:
		return fmt.Sprintf("%d days overdue", -d)
	case d == 0:
		return "due today"
	case d == 1:
		return "due tomorrow"
	default:
		return fmt.Sprintf("due in %d days", d)
	}
}

func renderEntry(e care.Entry) string {
	name := e.Instance.Nickname
	if e.Instance.Location != "" {
		name += dimStyle.Render(" (" + e.Instance.Location + ")")
	}
	sched := e.Status.Interval.String()
	if !e.Status.ScheduleRecognised {
		sched = fmt.Sprintf("%q -> %s", e.Instance.Schedule, sched)
	}
	return fmt.Sprintf("  %s #%d %s  %s  %s",
		urgencyStyle(e.Status.Urgency).Render("●"),
		e.Instance.ID, name,
		urgencyStyle(e.Status.Urgency).Render(dueText(e.Status)),
		dimStyle.Render(sched))
}

func renderDashboard(d care.Dashboard) string {
	var b strings.Builder
	c := d.Counts
	b.WriteString(titleStyle.Render(fmt.Sprintf("%d plants", c.Total)))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %d overdue · %d due today · %d due soon · %d healthy · %d unknown",
		c.Overdue, c.DueToday, c.DueSoon, c.Healthy, c.Unknown)))
	b.WriteString("\n")

	if attention := d.NeedsAttention(); len(attention) > 0 {
		worst := care.UrgencyHealthy
		for _, e := range attention {
			if e.Status.Urgency.MoreSevere(worst) {
				worst = e.Status.Urgency
			}
		}
		b.WriteString(urgencyStyle(worst).Bold(true).Render(
			fmt.Sprintf("%d need attention", len(attention))))
		b.WriteString("\n")
	}

	sections := []struct {
		title   string
		urgency care.UrgencyLevel
		entries []care.Entry
	}{
		{"Overdue", care.UrgencyOverdue, d.Overdue},
		{"Due today", care.UrgencyDueToday, d.DueToday},
		{"Due soon", care.UrgencyDueSoon, d.DueSoon},
		{"Healthy", care.UrgencyHealthy, d.Healthy},
		{"No care logged", care.UrgencyUnknown, d.Unknown},
	}
	for _, s := range sections {
		if len(s.entries) == 0 {
			continue
		}
		b.WriteString(sectionStyle.Foreground(urgencyColors[s.urgency]).Render(s.title))
		b.WriteString("\n")
		for _, e := range s.entries {
			b.WriteString(renderEntry(e))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// renderStages draws the lifecycle with current highlighted in its own
// colour and later stages dimmed.
func renderStages(current propagation.Status) string {
	var parts []string
	for _, st := range propagation.Stages() {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(st.Color))
		switch {
		case st.Status == current:
			style = style.Bold(true).Underline(true)
		case current.Valid() && st.Status.Index() > current.Index():
			style = dimStyle
		}
		parts = append(parts, style.Render(st.Label))
	}
	return strings.Join(parts, dimStyle.Render(" → "))
}

func renderPropagation(r propagation.Record) string {
	var b strings.Builder
	name := r.Nickname
	if name == "" {
		name = fmt.Sprintf("Propagation #%d", r.ID)
	}
	b.WriteString(titleStyle.Render(name))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  #%d v%d", r.ID, r.Version)))
	b.WriteString("\n  ")
	b.WriteString(renderStages(r.Status))
	b.WriteString("\n")

	switch r.SourceType {
	case propagation.SourceInternal:
		if r.ParentInstanceID != nil {
			fmt.Fprintf(&b, "  Cutting of plant instance #%d\n", *r.ParentInstanceID)
		}
	case propagation.SourceExternal:
		fmt.Fprintf(&b, "  From %s", r.ExternalSource)
		if r.ExternalSourceDetails != "" {
			fmt.Fprintf(&b, " (%s)", r.ExternalSourceDetails)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "  Started %s\n", r.DateStarted.Format("2006-01-02"))
	if r.Converted {
		line := "  Converted"
		if r.ConvertedAt != nil {
			line += " " + r.ConvertedAt.Format("2006-01-02")
		}
		if r.ConvertedInstanceID != nil {
			line += fmt.Sprintf(" to plant instance #%d", *r.ConvertedInstanceID)
		}
		b.WriteString(lipgloss.NewStyle().Foreground(ColorGreen).Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func renderStageTable() string {
	var b strings.Builder
	for i, st := range propagation.Stages() {
		label := lipgloss.NewStyle().Foreground(lipgloss.Color(st.Color)).Bold(true).Width(10).Render(st.Label)
		next := "terminal"
		if st.Next != "" {
			next = "→ " + st.Next.Label()
		}
		fmt.Fprintf(&b, "%d. %s %s  %s\n", i+1, label, st.Description, dimStyle.Render(next))
	}
	return b.String()
}
