// Package audit renders transfer history for libdropctl's terminal
// output. Grounded on the teacher's internal/audit.go lipgloss table
// (ShowHistory/ShowDetail), adapted from its own JSONL+flock-backed log
// (superseded here by internal/storage's SQLite-backed event log, the
// single durable store per SPEC_FULL.md §9 "no dual storage split") to a
// pure renderer over records the caller already loaded from storage.
package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Summary is one row of rendered transfer history, assembled by the
// caller (pkg/libdrop) from storage.Transfer + its path rows — this
// package only knows how to print it.
type Summary struct {
	ID        string
	CreatedAt time.Time
	Direction string // "incoming" / "outgoing"
	PeerIP    string
	FileCount int
	TotalSize int64
	Completed int
	Failed    int
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().Padding(0, 1)

	statusOKStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusFailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
)

// PrintHistory renders summaries as a table, newest first (the caller is
// expected to have already sorted/filtered via storage's query methods).
func PrintHistory(summaries []Summary) {
	if len(summaries) == 0 {
		fmt.Println("No transfer history found.")
		return
	}

	fmt.Println()
	fmt.Printf("%s %s %s %s %s %s\n",
		headerStyle.Width(36).Render("ID"),
		headerStyle.Width(20).Render("DATE"),
		headerStyle.Width(10).Render("DIRECTION"),
		headerStyle.Width(16).Render("PEER"),
		headerStyle.Width(10).Render("SIZE"),
		headerStyle.Width(14).Render("FILES"),
	)
	fmt.Println()

	for _, s := range summaries {
		dirStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#00FFFF"))
		if s.Direction == "outgoing" {
			dirStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA500"))
		}

		fmt.Printf("%s %s %s %s %s %s\n",
			rowStyle.Width(36).Render(s.ID),
			rowStyle.Width(20).Render(s.CreatedAt.Format("2006-01-02 15:04")),
			rowStyle.Width(10).Render(dirStyle.Render(strings.ToUpper(s.Direction))),
			rowStyle.Width(16).Render(s.PeerIP),
			rowStyle.Width(10).Render(formatBytes(s.TotalSize)),
			rowStyle.Width(14).Render(fileCountLabel(s)),
		)
	}
	fmt.Println()
}

func fileCountLabel(s Summary) string {
	label := fmt.Sprintf("%d/%d ok", s.Completed, s.FileCount)
	if s.Failed > 0 {
		return statusFailStyle.Render(fmt.Sprintf("%s, %d failed", label, s.Failed))
	}
	return statusOKStyle.Render(label)
}

// PrintDetail renders one transfer's summary as a key/value block.
func PrintDetail(s Summary) {
	fmt.Println()
	fmt.Println(headerStyle.Render("TRANSFER DETAILS"))
	fmt.Println()

	printKV := func(k, v string) {
		fmt.Printf("%s %s\n", lipgloss.NewStyle().Bold(true).Width(15).Foreground(lipgloss.Color("240")).Render(k+":"), v)
	}

	printKV("ID", s.ID)
	printKV("Date", s.CreatedAt.Format(time.RFC822))
	printKV("Direction", strings.ToUpper(s.Direction))
	printKV("Peer", s.PeerIP)
	printKV("Size", formatBytes(s.TotalSize))
	printKV("Files", fmt.Sprintf("%d total, %d completed, %d failed", s.FileCount, s.Completed, s.Failed))
	fmt.Println()
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
