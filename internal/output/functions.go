package output

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

// FormatSpeed renders a transfer rate such as "12 MiB/s".
func FormatSpeed(bytes int64, elapsed time.Duration) string {
	if elapsed <= 0 || bytes <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(float64(bytes)/elapsed.Seconds())) + "/s"
}

// ProgressBar renders a bar of width cells. A non-positive total renders an
// empty bar without a percentage.
func ProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		return debugStyle.Render(StyleSymbols["bullet"] + strings.Repeat(" ", width) + StyleSymbols["bullet"] + " ")
	}
	current = max(0, min(current, total))
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	bar := StyleSymbols["bullet"] + strings.Repeat(StyleSymbols["hline"], filled) + strings.Repeat(" ", width-filled) + StyleSymbols["bullet"]
	return debugStyle.Render(fmt.Sprintf("%s %.1f%% %s ", bar, percent*100, StyleSymbols["bullet"]))
}

// TransferLine is the stream line shown under a run while bytes move.
func TransferLine(done, total int64, elapsed time.Duration, text string) string {
	size := humanize.IBytes(uint64(max(done, 0)))
	if total > 0 {
		size += " / " + humanize.IBytes(uint64(total))
	}
	parts := []string{ProgressBar(done, total, 30) + debugStyle.Render(size)}
	if text != "" {
		parts = append(parts, debugStyle.Render(text))
	}
	parts = append(parts, debugStyle.Render(FormatSpeed(done, elapsed)))
	return strings.Join(parts, " "+StyleSymbols["bullet"]+" ")
}

func terminalSize() (width, height int) {
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 || height <= 0 {
		return 80, 24
	}
	return width, height
}

// IsTerminal reports whether stdout can take the live display.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func wrapText(text string, indent int) []string {
	width, _ := terminalSize()
	maxWidth := width - indent - 2
	if maxWidth <= 10 {
		maxWidth = 80
	}
	runes := []rune(text)
	var lines []string
	for len(runes) > maxWidth {
		lines = append(lines, string(runes[:maxWidth]))
		runes = runes[maxWidth:]
	}
	return append(lines, string(runes))
}
