package splitter

import (
	"strings"
	"unicode/utf8"
)

type renderResult struct {
	totalElements    int
	splitCount       int
	avgSegmentLength float64
}

// renderWithMarkers re-emits the original text with a marker line before
// every element whose index is a split point. The element stream tells how
// many original lines each element spans, so the text itself is never
// rewritten, only interleaved with markers.
func renderWithMarkers(text string, elems []element, points []int, marker string) (string, renderResult) {
	if len(points) == 0 || len(elems) == 0 {
		return text, renderResult{
			totalElements:    len(elems),
			avgSegmentLength: float64(utf8.RuneCountInString(text)),
		}
	}

	splitSet := make(map[int]bool, len(points))
	for _, p := range points {
		splitSet[p] = true
	}

	lines := strings.Split(text, "\n")

	var parts []string

	cursor := 0

	for _, el := range elems {
		if splitSet[el.Idx] && len(parts) > 0 {
			parts = append(parts, marker)
		}

		n := 1
		if el.Text != "" {
			n = strings.Count(el.Text, "\n") + 1
		}

		start := cursor
		if start > len(lines) {
			start = len(lines)
		}

		end := cursor + n
		if end > len(lines) {
			end = len(lines)
		}

		parts = append(parts, strings.Join(lines[start:end], "\n"))
		cursor += n
	}

	if cursor < len(lines) {
		remainder := strings.Join(lines[cursor:], "\n")
		if strings.TrimSpace(remainder) != "" {
			parts = append(parts, remainder)
		}
	}

	marked := strings.Join(parts, "\n")

	return marked, renderResult{
		totalElements:    len(elems),
		splitCount:       len(points),
		avgSegmentLength: round1(float64(utf8.RuneCountInString(marked)) / float64(len(points)+1)),
	}
}
