package splitter

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	reMDHeadingLine   = regexp.MustCompile(`^(#{1,6})\s*(.+?)\s*$`)
	reNumberedHeading = regexp.MustCompile(`^\s*(?:\d+(?:\.\d+)*)[\s\-_.:：)]*\s*(.+)$`)
)

// headingPos names a heading line by index and the rune offset of its line
// start within the whole text.
type headingPos struct {
	line   int
	offset int
}

// normalizeHeadingLevels rewrites every contiguous run of Markdown heading
// lines so only the first heading at the run's minimum level survives,
// promoted to a single #. The remaining headings of the run are demoted to
// plain text with their numbering prefix stripped. Blank lines inside a run
// are dropped; a blank gap joins two runs only when a heading follows it.
func normalizeHeadingLevels(text string) string {
	type headingRun struct {
		level int
		title string
	}

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))

	i := 0
	for i < len(lines) {
		m := reMDHeadingLine.FindStringSubmatch(strings.TrimSpace(lines[i]))
		if m == nil {
			out = append(out, lines[i])
			i++

			continue
		}

		run := []headingRun{{level: len(m[1]), title: strings.TrimSpace(m[2])}}

		j := i + 1
		for j < len(lines) {
			probe := strings.TrimSpace(lines[j])
			if probe == "" {
				k := j + 1
				for k < len(lines) && strings.TrimSpace(lines[k]) == "" {
					k++
				}

				if k < len(lines) && reMDHeadingLine.MatchString(strings.TrimSpace(lines[k])) {
					j = k

					continue
				}

				break
			}

			pm := reMDHeadingLine.FindStringSubmatch(probe)
			if pm == nil {
				break
			}

			run = append(run, headingRun{level: len(pm[1]), title: strings.TrimSpace(pm[2])})
			j++
		}

		minLevel := run[0].level
		for _, h := range run[1:] {
			if h.level < minLevel {
				minLevel = h.level
			}
		}

		keptTop := false

		for _, h := range run {
			if !keptTop && h.level == minLevel {
				out = append(out, "# "+h.title)
				keptTop = true
			} else {
				out = append(out, stripHeadingNumbering(h.title))
			}
		}

		i = j
	}

	return strings.Join(out, "\n")
}

func stripHeadingNumbering(title string) string {
	probe := strings.TrimSpace(title)
	if probe == "" {
		return ""
	}

	if m := reNumberedHeading.FindStringSubmatch(probe); m != nil {
		if cleaned := strings.TrimSpace(m[1]); cleaned != "" {
			return cleaned
		}
	}

	return probe
}

// splitTextByHeadingSize cuts a long text into sections near every multiple
// of step runes, each cut landing on the top-level heading line nearest that
// offset with strict forward progress. Texts without headings, or shorter
// than one step, come back whole.
func splitTextByHeadingSize(text string, step int) ([]string, int) {
	if text == "" {
		return []string{""}, 0
	}

	total := utf8.RuneCountInString(text)
	if step <= 0 || total <= step {
		return []string{text}, 0
	}

	lines := strings.Split(text, "\n")

	var headings []headingPos

	offset := 0
	for idx, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "# ") {
			headings = append(headings, headingPos{line: idx, offset: offset})
		}

		offset += utf8.RuneCountInString(line)
		if idx < len(lines)-1 {
			offset++
		}
	}

	if len(headings) == 0 {
		return []string{text}, 0
	}

	var cutLines []int

	minLine := 1
	for target := step; target < total; target += step {
		cut := pickNearestHeadingLine(headings, target, minLine)
		if cut < 0 {
			break
		}

		if len(cutLines) > 0 && cut == cutLines[len(cutLines)-1] {
			continue
		}

		cutLines = append(cutLines, cut)
		minLine = cut + 1
	}

	if len(cutLines) == 0 {
		return []string{text}, 0
	}

	var sections []string

	start := 0
	for _, cut := range cutLines {
		if chunk := strings.TrimSpace(strings.Join(lines[start:cut], "\n")); chunk != "" {
			sections = append(sections, chunk)
		}

		start = cut
	}

	if tail := strings.TrimSpace(strings.Join(lines[start:], "\n")); tail != "" {
		sections = append(sections, tail)
	}

	if len(sections) == 0 {
		return []string{text}, 0
	}

	return sections, len(cutLines)
}

// pickNearestHeadingLine returns the heading line closest to the target
// offset, at or past minLine and never at offset zero. Distance ties break
// toward the smaller offset.
func pickNearestHeadingLine(headings []headingPos, target, minLine int) int {
	bestLine := -1

	var bestDist, bestOffset int

	for _, h := range headings {
		if h.line < minLine || h.offset <= 0 {
			continue
		}

		d := h.offset - target
		if d < 0 {
			d = -d
		}

		if bestLine < 0 || d < bestDist || (d == bestDist && h.offset < bestOffset) {
			bestLine = h.line
			bestDist = d
			bestOffset = h.offset
		}
	}

	return bestLine
}
