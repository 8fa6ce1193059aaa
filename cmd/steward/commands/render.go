package commands

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#8E4EC6")).
			Padding(0, 1).
			MarginBottom(1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8E4EC6")).
			Bold(true)

	colHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8E4EC6")).
			Bold(true).
			MarginRight(1)

	cellStyle = lipgloss.NewStyle().MarginRight(1)
	sepStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginRight(1)
	mutedText = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	okColor      = lipgloss.Color("#2E8B57") // SeaGreen
	warnColor    = lipgloss.Color("#DAA520") // Goldenrod
	dangerColor  = lipgloss.Color("#DC143C") // Crimson
	neutralColor = lipgloss.Color("241")
)

// column is one table column: a header and a fixed width.
type column struct {
	title string
	width int
}

// tierColor colors risk tiers and verdicts.
func tierColor(value string) lipgloss.Color {
	switch strings.ToLower(value) {
	case "safe", "allow", "approved", "success", "completed", "ok":
		return okColor
	case "caution", "require_approval", "pending", "authorizing", "acting":
		return warnColor
	case "critical", "deny", "rejected", "expired", "fail", "kill_switch", "no_progress":
		return dangerColor
	default:
		return neutralColor
	}
}

func colored(value string) string {
	return lipgloss.NewStyle().Foreground(tierColor(value)).Render(value)
}

func danger(s string) string {
	return lipgloss.NewStyle().Bold(true).Foreground(dangerColor).Render(s)
}

// renderTable prints a titled table. Cells in colorCols are colored by
// value.
func renderTable(title string, cols []column, rows [][]string, colorCols ...int) {
	fmt.Println(headerStyle.Render(title))

	headers := make([]string, 0, len(cols))
	seps := make([]string, 0, len(cols))
	for _, c := range cols {
		headers = append(headers, colHeaderStyle.Width(c.width).Render(c.title))
		seps = append(seps, sepStyle.Render(strings.Repeat("─", c.width)))
	}
	fmt.Printf("  %s\n", lipgloss.JoinHorizontal(lipgloss.Top, headers...))
	fmt.Printf("  %s\n", lipgloss.JoinHorizontal(lipgloss.Top, seps...))

	colorize := map[int]bool{}
	for _, i := range colorCols {
		colorize[i] = true
	}
	for _, row := range rows {
		cells := make([]string, 0, len(cols))
		for i, c := range cols {
			value := ""
			if i < len(row) {
				value = truncate(row[i], c.width)
			}
			style := cellStyle.Width(c.width)
			if colorize[i] {
				style = style.Foreground(tierColor(value))
			}
			cells = append(cells, style.Render(value))
		}
		fmt.Printf("  %s\n", lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	fmt.Println()
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
