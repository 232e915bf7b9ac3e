package process

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Normalize turns raw terminal output into what a terminal would display:
// carriage-return overwrites are collapsed to the text after the last \r,
// CRLF becomes LF, and runs of three or more blank lines shrink to one.
// With stripANSI, escape sequences are removed as well.
func Normalize(s string, stripANSI bool) string {
	if s == "" {
		return s
	}
	if stripANSI {
		s = ansi.Strip(s)
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")

	// The final newline terminates the last line; it does not start a
	// blank one.
	trailing := strings.HasSuffix(s, "\n")
	if trailing {
		s = s[:len(s)-1]
	}

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	var blanks []string
	flushBlank := func() {
		if len(blanks) >= 3 {
			out = append(out, "")
		} else {
			out = append(out, blanks...)
		}
		blanks = blanks[:0]
	}

	for _, line := range lines {
		line = collapseCR(line)
		if strings.TrimSpace(line) == "" {
			blanks = append(blanks, line)
			continue
		}
		flushBlank()
		out = append(out, line)
	}
	flushBlank()

	s = strings.Join(out, "\n")
	if trailing {
		s += "\n"
	}
	return s
}

// NormalizeLine applies the per-line part of Normalize to a single line
// without its trailing newline.
func NormalizeLine(line string, stripANSI bool) string {
	if stripANSI {
		line = ansi.Strip(line)
	}
	return collapseCR(strings.TrimSuffix(line, "\n"))
}

// collapseCR keeps only the text after the last carriage return. A trailing
// \r alone does not blank the line.
func collapseCR(line string) string {
	line = strings.TrimRight(line, "\r")
	if idx := strings.LastIndexByte(line, '\r'); idx >= 0 {
		return line[idx+1:]
	}
	return line
}
