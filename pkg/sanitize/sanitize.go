// Package sanitize neutralizes untrusted text before it is written to logs
// or a terminal.
//
// Gateway log lines are attacker-controlled: a probe can embed ANSI escape
// sequences or line breaks to forge log records. Every raw line that reaches
// a log message goes through Line first.
package sanitize

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength caps sanitized output when callers pass maxLen <= 0.
const DefaultMaxLength = 256

// Line returns s with escape sequences and control characters replaced by
// visible markers, truncated to maxLen bytes on a rune boundary.
func Line(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	out := neutralize(s)
	if len(out) <= maxLen {
		return out
	}
	if maxLen <= 3 {
		return out[:maxLen]
	}
	cut := maxLen - 3
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + "..."
}

func neutralize(s string) string {
	clean := true
	for i := 0; i < len(s); i++ {
		if isControl(s[i]) {
			clean = false
			break
		}
	}
	if clean && utf8.ValidString(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == 0x1B:
			i = skipEscape(s, i)
			b.WriteString("[ESC]")
			continue
		case c == '\t', c == '\n':
			b.WriteByte(' ')
		case c == '\r':
			b.WriteString("[CR]")
		case c == 0x7F:
			b.WriteString("[DEL]")
		case c < 0x20:
			b.WriteString("[CTRL]")
		case c < utf8.RuneSelf:
			b.WriteByte(c)
		default:
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				b.WriteString("[BIN]")
			} else {
				b.WriteString(s[i : i+size])
			}
			i += size
			continue
		}
		i++
	}
	return b.String()
}

// skipEscape returns the index just past the escape sequence starting at i.
// CSI sequences run until their final byte; anything else consumes ESC only.
func skipEscape(s string, i int) int {
	i++
	if i >= len(s) || s[i] != '[' {
		return i
	}
	i++
	for i < len(s) && !isCSITerminator(s[i]) {
		i++
	}
	if i < len(s) {
		i++
	}
	return i
}

func isControl(c byte) bool {
	return c < 0x20 || c == 0x7F
}

func isCSITerminator(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '@' || c == '`'
}
