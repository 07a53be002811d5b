package splitter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/jadechjin/zotero-mineru-dify/internal/mineru"
)

var rePartStem = regexp.MustCompile(`^(.*?)(\.[^.]+)?$`)

// UploadDoc is one upload-sized unit. Documents that fit the limit pass
// through with their original task key; oversized documents become child
// docs whose keys carry a #part{k} suffix and whose part fields identify the
// parent.
type UploadDoc struct {
	mineru.Document

	// SourceFileName is the pre-partition file name, set on children only.
	SourceFileName string

	// ParentTaskKey is the pre-partition task key, set on children only.
	ParentTaskKey string

	PartIndex int
	PartTotal int
}

// PartitionStats counts one partitioning run.
type PartitionStats struct {
	MaxChars         int
	SourceFiles      int
	OutputDocs       int
	SplitSourceFiles int
	TotalParts       int
	HeadingCuts      int
	HardCuts         int
}

// PartitionForUpload cuts every oversized document into parts no larger
// than the configured limit, preferring heading lines as cut points. It
// runs on every batch regardless of the marker-insertion strategy; split
// markers already present in the text survive partitioning. Children
// inherit the parent's asset descriptors.
func (s *Splitter) PartitionForUpload(docs []mineru.Document) ([]UploadDoc, PartitionStats) {
	maxChars := s.cfg.uploadMaxChars()
	stats := PartitionStats{MaxChars: maxChars, SourceFiles: len(docs)}
	out := make([]UploadDoc, 0, len(docs))

	for _, doc := range docs {
		normalized := normalizeHeadingLevels(doc.Text)
		parts, headingCuts, hardCuts := splitTextIntoUploadParts(normalized, maxChars)

		stats.TotalParts += len(parts)
		stats.HeadingCuts += headingCuts
		stats.HardCuts += hardCuts

		if len(parts) <= 1 {
			single := doc
			single.Text = normalized

			if len(parts) == 1 {
				single.Text = parts[0]
			}

			out = append(out, UploadDoc{Document: single})

			continue
		}

		stats.SplitSourceFiles++

		sourceName := doc.FileName
		if sourceName == "" {
			sourceName = doc.TaskKey
		}

		for i, partText := range parts {
			idx := i + 1

			child := doc
			child.TaskKey = fmt.Sprintf("%s#part%d", doc.TaskKey, idx)
			child.FileName = buildPartFileName(sourceName, idx, len(parts))
			child.Text = partText

			out = append(out, UploadDoc{
				Document:       child,
				SourceFileName: sourceName,
				ParentTaskKey:  doc.TaskKey,
				PartIndex:      idx,
				PartTotal:      len(parts),
			})
		}
	}

	stats.OutputDocs = len(out)

	return out, stats
}

// splitTextIntoUploadParts cuts text into chunks of at most maxChars runes.
// Each cut prefers the heading nearest the running target offset, falling
// back to the last line start at or before it. Chunks that still exceed the
// limit, such as a single enormous line, are sliced at fixed rune offsets.
func splitTextIntoUploadParts(text string, maxChars int) ([]string, int, int) {
	total := utf8.RuneCountInString(text)
	if total <= maxChars {
		return []string{text}, 0, 0
	}

	lines := strings.Split(text, "\n")
	offsets := lineStartOffsets(lines)

	var headings []headingPos

	for idx, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "# ") {
			headings = append(headings, headingPos{line: idx, offset: offsets[idx]})
		}
	}

	var parts []string

	headingCuts := 0
	hardCuts := 0
	startLine := 0

	for startLine < len(lines) {
		startOffset := offsets[startLine]
		if total-startOffset <= maxChars {
			if tail := strings.TrimSpace(strings.Join(lines[startLine:], "\n")); tail != "" {
				parts = append(parts, tail)
			}

			break
		}

		target := startOffset + maxChars

		cutLine, ok := pickDocCutLine(headings, startLine, target)
		if ok && offsets[cutLine]-startOffset <= maxChars {
			headingCuts++
		} else {
			cutLine = lineAtOrBeforeOffset(offsets, target, startLine+1)
			hardCuts++
		}

		if cutLine <= startLine {
			cutLine = min(len(lines), startLine+1)
		}

		if chunk := strings.TrimSpace(strings.Join(lines[startLine:cutLine], "\n")); chunk != "" {
			parts = append(parts, chunk)
		}

		startLine = cutLine
	}

	if len(parts) == 0 {
		return []string{text}, 0, 0
	}

	var safe []string

	for _, part := range parts {
		runes := []rune(part)
		if len(runes) <= maxChars {
			safe = append(safe, part)

			continue
		}

		for start := 0; start < len(runes); start += maxChars {
			end := min(len(runes), start+maxChars)
			safe = append(safe, string(runes[start:end]))
			hardCuts++
		}
	}

	return safe, headingCuts, hardCuts
}

func lineStartOffsets(lines []string) []int {
	offsets := make([]int, len(lines))

	cursor := 0
	for i, line := range lines {
		offsets[i] = cursor
		cursor += utf8.RuneCountInString(line)

		if i < len(lines)-1 {
			cursor++
		}
	}

	return offsets
}

// pickDocCutLine picks the heading line whose offset is closest to the
// target, considering only headings past startLine. Ties go to the heading
// before the target.
func pickDocCutLine(headings []headingPos, startLine, target int) (int, bool) {
	prevLine, nextLine := -1, -1

	var prevOffset, nextOffset int

	for _, h := range headings {
		if h.line <= startLine {
			continue
		}

		if h.offset <= target {
			prevLine = h.line
			prevOffset = h.offset

			continue
		}

		nextLine = h.line
		nextOffset = h.offset

		break
	}

	switch {
	case prevLine < 0 && nextLine < 0:
		return 0, false
	case prevLine < 0:
		return nextLine, true
	case nextLine < 0:
		return prevLine, true
	}

	if target-prevOffset <= nextOffset-target {
		return prevLine, true
	}

	return nextLine, true
}

// lineAtOrBeforeOffset returns the index of the last line starting at or
// before the target offset, clamped to at least minLine.
func lineAtOrBeforeOffset(offsets []int, target, minLine int) int {
	idx := sort.Search(len(offsets), func(i int) bool { return offsets[i] > target }) - 1
	if idx < minLine {
		idx = minLine
	}

	if idx >= len(offsets) {
		idx = len(offsets) - 1
	}

	return idx
}

// buildPartFileName derives a child file name by inserting .part{k}of{n}
// before the extension. Names without an extension get .md.
func buildPartFileName(fileName string, partIndex, totalParts int) string {
	base := fileName
	if base == "" {
		base = "document.md"
	}

	m := rePartStem.FindStringSubmatch(base)
	stem, ext := m[1], m[2]

	if ext == "" {
		ext = ".md"
	}

	return fmt.Sprintf("%s.part%dof%d%s", stem, partIndex, totalParts, ext)
}
