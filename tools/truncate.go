package tools

import (
	"fmt"
	"strings"
)

// Truncation limits defaults.
const (
	defaultMaxLines = 2000
	defaultMaxBytes = 50 * 1024 // 50KB
)

// truncateTail keeps the last maxBytes of content (process output is most
// useful at the end). It cuts on a line boundary when one exists inside the
// kept window and reports whether anything was dropped.
func truncateTail(content string, maxBytes int) (string, bool) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	lines := strings.Split(content, "\n")
	if len(lines) <= defaultMaxLines && len(content) <= maxBytes {
		return content, false
	}

	// Work backwards
	var kept []string
	byteCount := 0
	for i := len(lines) - 1; i >= 0 && len(kept) < defaultMaxLines; i-- {
		line := lines[i]
		lineBytes := len(line)
		if len(kept) > 0 {
			lineBytes++ // newline
		}
		if byteCount+lineBytes > maxBytes {
			if len(kept) == 0 {
				// a single line longer than the window
				kept = append(kept, line[len(line)-maxBytes:])
			}
			break
		}
		kept = append(kept, line)
		byteCount += lineBytes
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n"), true
}

func formatSize(bytes int) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%dB", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(bytes)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(bytes)/(1024*1024))
	}
}
