package lrc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// lineRe matches a line-stamped lyric line: [MM:SS.xx]text with
// centiseconds or milliseconds.
var lineRe = regexp.MustCompile(`^\[(\d{2}):(\d{2})\.(\d{2,3})\](.+)$`)

// Line is a single lyric line with its timestamp in seconds.
type Line struct {
	Seconds float64
	Text    string
}

// Parse extracts the stamped lines of an LRC document.
// Lines that don't match the LRC format are skipped.
func Parse(text string) []Line {
	var lines []Line
	for _, raw := range strings.Split(text, "\n") {
		raw = strings.TrimSpace(raw)
		m := lineRe.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		mins, _ := strconv.Atoi(m[1])
		secs, _ := strconv.Atoi(m[2])
		frac := m[3]
		for len(frac) < 3 {
			frac += "0"
		}
		ms, _ := strconv.Atoi(frac)
		lines = append(lines, Line{
			Seconds: float64(mins)*60 + float64(secs) + float64(ms)/1000,
			Text:    m[4],
		})
	}
	return lines
}

// Validate checks that text is a well-formed LRC document: at least
// min stamped lines with strictly increasing timestamps. It returns
// the document with non-LRC lines removed.
func Validate(text string, min int) (string, error) {
	var clean []string
	prev := -1.0
	for _, raw := range strings.Split(text, "\n") {
		raw = strings.TrimSpace(raw)
		m := lineRe.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		mins, _ := strconv.Atoi(m[1])
		secs, _ := strconv.Atoi(m[2])
		frac := m[3]
		for len(frac) < 3 {
			frac += "0"
		}
		ms, _ := strconv.Atoi(frac)
		ts := float64(mins)*60 + float64(secs) + float64(ms)/1000
		if ts <= prev {
			return "", fmt.Errorf("lrc: timestamps must be strictly increasing: %.2fs <= %.2fs", ts, prev)
		}
		prev = ts
		clean = append(clean, raw)
	}
	if len(clean) < min {
		return "", fmt.Errorf("lrc: too few stamped lines: %d < %d", len(clean), min)
	}
	return strings.Join(clean, "\n"), nil
}

// ToPlain strips timestamps to produce plain-text lyrics. A blank
// line is inserted at gaps longer than 6 seconds to keep the section
// structure readable.
func ToPlain(text string) string {
	var out []string
	prev := 0.0
	for _, line := range Parse(text) {
		if len(out) > 0 && line.Seconds-prev > 6 {
			out = append(out, "")
		}
		out = append(out, line.Text)
		prev = line.Seconds
	}
	return strings.Join(out, "\n")
}
