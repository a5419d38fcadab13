// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// TrimWords collapses whitespace and keeps at most limit words. A limit of
// zero or less keeps everything.
func TrimWords(s string, limit int) string {
	words := strings.Fields(s)
	if limit > 0 && len(words) > limit {
		words = words[:limit]
	}
	return strings.Join(words, " ")
}

// TrimLines keeps at most limit non-empty lines, each trimmed.
func TrimLines(s string, limit int) string {
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kept = append(kept, line)
		if limit > 0 && len(kept) >= limit {
			break
		}
	}
	return strings.Join(kept, "\n")
}

// WrapText wraps s to the given width without breaking words. Existing line
// breaks are respected; blank lines are dropped.
func WrapText(s string, width int) string {
	if width <= 0 {
		width = 80
	}
	var out []string
	for _, segment := range strings.Split(SanitizeText(s), "\n") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		out = append(out, wrapSegment(segment, width)...)
	}
	return strings.Join(out, "\n")
}

func wrapSegment(segment string, width int) []string {
	words := strings.Fields(segment)
	if len(words) == 0 {
		return nil
	}
	var lines []string
	cur := words[0]
	for _, w := range words[1:] {
		if len(cur)+1+len(w) > width {
			lines = append(lines, cur)
			cur = w
			continue
		}
		cur += " " + w
	}
	return append(lines, cur)
}
