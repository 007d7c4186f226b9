package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/yunusemreyildiz/yeytest/internal/model"
)

// Semantic colors for run output.
var (
	colorPass    = lipgloss.Color("#8BC34A") // Lime Green
	colorFail    = lipgloss.Color("#e53935") // Red
	colorWarn    = lipgloss.Color("#FFC107") // Yellow
	colorInfo    = lipgloss.Color("#2196F3") // Blue
	colorMuted   = lipgloss.Color("#8a8f98")
	colorPrimary = lipgloss.Color("#7e57c2") // Violet
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	passStyle = lipgloss.NewStyle().
			Foreground(colorPass).
			Bold(true)

	failStyle = lipgloss.NewStyle().
			Foreground(colorFail).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(colorWarn).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(colorInfo)

	mutedStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimary).
			Padding(0, 2)
)

// statusStyle picks the style for a terminal run status.
func statusStyle(status model.RunStatus) lipgloss.Style {
	switch status {
	case model.RunPassed:
		return passStyle
	case model.RunHealed:
		return warnStyle
	default:
		return failStyle
	}
}

// verdictStyle picks the style for a step verdict label.
func verdictStyle(label model.VerdictLabel) lipgloss.Style {
	switch label {
	case model.VerdictPass:
		return passStyle
	case model.VerdictFail:
		return failStyle
	default:
		return warnStyle
	}
}

// renderRunSummary renders the boxed end-of-run summary.
func renderRunSummary(run *model.RunResult) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(run.TestName))
	if run.Device != "" {
		b.WriteString(mutedStyle.Render("  @" + run.Device))
	}
	b.WriteString("\n")
	b.WriteString(statusStyle(run.Status).Render(strings.ToUpper(string(run.Status))))
	b.WriteString(mutedStyle.Render(fmt.Sprintf("  %d steps, %d healing attempts, %d cost units, %s",
		len(run.Steps), len(run.Healing), run.CostUnits,
		run.FinishedAt.Sub(run.StartedAt).Round(10*time.Millisecond))))
	if run.Error != "" {
		b.WriteString("\n")
		b.WriteString(failStyle.Render("error: ") + run.Error)
	}

	for _, step := range run.Steps {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("  %s %-9s %s",
			mutedStyle.Render(fmt.Sprintf("%d/%d", step.StepIndex, step.Attempt)),
			verdictStyle(step.Final).Render(string(step.Final)),
			step.Step.Describe()))
		for _, w := range step.Warnings {
			b.WriteString("\n")
			b.WriteString("        " + warnStyle.Render("! ") + mutedStyle.Render(w))
		}
	}

	for _, attempt := range run.Healing {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("  %s attempt %d at step %d",
			warnStyle.Render("heal"), attempt.Index, attempt.StepIndex))
		if attempt.Patch != nil {
			b.WriteString(mutedStyle.Render(fmt.Sprintf(": %s %s", attempt.Patch.Kind, attempt.Patch.Step.Describe())))
		}
		if attempt.Note != "" {
			b.WriteString(mutedStyle.Render(" (" + attempt.Note + ")"))
		}
	}

	return boxStyle.Render(b.String())
}

// renderCheck renders one doctor check line.
func renderCheck(name string, ok bool, detail string) string {
	mark := passStyle.Render("ok")
	if !ok {
		mark = failStyle.Render("missing")
	}
	line := fmt.Sprintf("  %-12s %s", name, mark)
	if detail != "" {
		line += "  " + mutedStyle.Render(detail)
	}
	return line
}
