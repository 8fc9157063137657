// Package ui renders the terminal surface: the target-collection screen shown
// while cards are inserted, the admission report, live clone progress lines
// and the final summary.
package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Tokyo Night inspired palette.
var (
	primaryColor = lipgloss.Color("#7aa2f7")
	successColor = lipgloss.Color("#9ece6a")
	errorColor   = lipgloss.Color("#f7768e")
	warningColor = lipgloss.Color("#e0af68")
	textColor    = lipgloss.Color("#c0caf5")
	dimColor     = lipgloss.Color("#565f89")

	titleStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Foreground(textColor).
			Bold(true)

	okStyle = lipgloss.NewStyle().
		Foreground(successColor)

	failStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	warnStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	dimStyle = lipgloss.NewStyle().
			Foreground(dimColor)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 2)
)

// FormatBytes formats byte counts into a human-readable size using binary
// units.
//
// Examples:
//
//	FormatBytes(1024) -> "1.0 KB"
//	FormatBytes(1536) -> "1.5 KB"
//	FormatBytes(999) -> "999 B"
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatNumber adds commas to large numbers for readability.
//
// Examples:
//
//	FormatNumber(1234) -> "1,234"
//	FormatNumber(999) -> "999"
func FormatNumber(n int64) string {
	if n < 1000 {
		return strconv.FormatInt(n, 10)
	}
	str := strconv.FormatInt(n, 10)
	var result strings.Builder
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result.WriteRune(',')
		}
		result.WriteRune(char)
	}
	return result.String()
}
