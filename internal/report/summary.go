package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	successColor = lipgloss.Color("#00D26A")
	failColor    = lipgloss.Color("#FF3838")
	timeoutColor = lipgloss.Color("#FFB800")
	mutedColor   = lipgloss.Color("#6B7280")
	brandColor   = lipgloss.Color("#7D56F4")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(brandColor)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	footerStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

// Status returns the short status label of a result.
func Status(r ToolResult) string {
	switch {
	case r.Success:
		return "success"
	case r.TimedOut:
		return "timeout"
	default:
		return "failed"
	}
}

func statusColor(status string) lipgloss.Color {
	switch status {
	case "success":
		return successColor
	case "timeout":
		return timeoutColor
	default:
		return failColor
	}
}

// RenderSummary renders a table of tool, status, isolation and elapsed time
// followed by the success count.
func RenderSummary(rep *Report) string {
	rows := make([][]string, len(rep.Results))
	statuses := make([]string, len(rep.Results))
	for i, r := range rep.Results {
		statuses[i] = Status(r)
		isolation := r.Isolation
		if isolation == "" {
			isolation = "-"
		}
		rows[i] = []string{r.Name, statuses[i], isolation, fmt.Sprintf("%.2fs", r.ElapsedSeconds)}
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		Headers("Tool", "Status", "Isolation", "Elapsed").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 && row >= 0 && row < len(statuses) {
				return cellStyle.Foreground(statusColor(statuses[row]))
			}
			return cellStyle
		})

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s scan of %s", rep.TaskType, rep.Target)))
	b.WriteString("\n")
	b.WriteString(t.Render())
	b.WriteString("\n")
	b.WriteString(footerStyle.Render(fmt.Sprintf("%d/%d tools succeeded", rep.Summary.SuccessCount, rep.Summary.Total)))
	return b.String()
}
