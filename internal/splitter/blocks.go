package splitter

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// mergeStopTerminators end a paragraph for the cross-page merge test. The
// set is wider than sentenceTerminators: a trailing colon also blocks the
// merge.
const mergeStopTerminators = ".!?。！？:：;；"

var (
	rePageOnlyLine = regexp.MustCompile(`^\d{1,4}$`)
	reOrderedItem  = regexp.MustCompile(`^\d+[.)]\s+`)
)

// continuationStarters mark a block that continues the previous paragraph
// across a page break.
var continuationStarters = []string{
	"and ", "or ", "with ", "where ", "which ", "that ", "while ", "because ",
	"并", "或", "以及", "其中", "并且", "而且",
}

// collectBlocks groups the lines of one section into paragraph-level blocks.
// Fenced code stays one block, page-number-only lines are dropped even
// inside fences, blank lines close the current block, top-level headings
// stand alone, and a list, quote or table line closes a block of a different
// kind.
func collectBlocks(text string) []string {
	lines := strings.Split(text, "\n")

	var blocks []string

	var current []string

	inCode := false

	flush := func() {
		if len(current) == 0 {
			return
		}

		if block := strings.TrimSpace(strings.Join(current, "\n")); block != "" {
			blocks = append(blocks, block)
		}

		current = current[:0]
	}

	for _, raw := range lines {
		line := strings.TrimRightFunc(raw, unicode.IsSpace)
		stripped := strings.TrimSpace(line)

		if rePageOnlyLine.MatchString(stripped) {
			continue
		}

		if strings.HasPrefix(stripped, "```") {
			if !inCode {
				flush()

				inCode = true
				current = append(current, line)
			} else {
				current = append(current, line)
				flush()

				inCode = false
			}

			continue
		}

		if inCode {
			current = append(current, line)

			continue
		}

		if stripped == "" {
			flush()

			continue
		}

		if strings.HasPrefix(stripped, "# ") {
			flush()

			blocks = append(blocks, stripped)

			continue
		}

		if isBlockStarter(stripped) && len(current) > 0 && !isSameBlockType(current[len(current)-1], stripped) {
			flush()
		}

		current = append(current, line)
	}

	flush()

	return blocks
}

func isBlockStarter(line string) bool {
	return strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") ||
		strings.HasPrefix(line, ">") || strings.HasPrefix(line, "|") ||
		reOrderedItem.MatchString(line)
}

func isSameBlockType(prevLine, newLine string) bool {
	prev := strings.TrimSpace(prevLine)
	next := strings.TrimSpace(newLine)

	isBullet := func(s string) bool {
		return strings.HasPrefix(s, "- ") || strings.HasPrefix(s, "* ")
	}

	switch {
	case isBullet(prev) && isBullet(next):
		return true
	case reOrderedItem.MatchString(prev) && reOrderedItem.MatchString(next):
		return true
	case strings.HasPrefix(prev, ">") && strings.HasPrefix(next, ">"):
		return true
	case strings.HasPrefix(prev, "|") && strings.HasPrefix(next, "|"):
		return true
	}

	return false
}

// mergeCrossPageParagraphs rejoins paragraphs a page break tore apart.
func mergeCrossPageParagraphs(blocks []string) []string {
	if len(blocks) == 0 {
		return nil
	}

	merged := []string{blocks[0]}

	for _, block := range blocks[1:] {
		prev := merged[len(merged)-1]
		if shouldMergeParagraph(prev, block) {
			merged[len(merged)-1] = joinParagraphs(prev, block)
		} else {
			merged = append(merged, block)
		}
	}

	return merged
}

// shouldMergeParagraph reports whether the current block continues the
// previous one: neither is a heading or a structured block, the previous
// block does not end a sentence, and the current block starts lowercase or
// with a continuation word.
func shouldMergeParagraph(prev, curr string) bool {
	if prev == "" || curr == "" {
		return false
	}

	prevTrim := strings.TrimSpace(prev)
	currTrim := strings.TrimSpace(curr)

	if strings.HasPrefix(prevTrim, "# ") || strings.HasPrefix(currTrim, "# ") {
		return false
	}

	if hasStructuredPrefix(prevTrim) || hasStructuredPrefix(currTrim) {
		return false
	}

	last, _ := utf8.DecodeLastRuneInString(prevTrim)
	if strings.ContainsRune(mergeStopTerminators, last) {
		return false
	}

	first, _ := utf8.DecodeRuneInString(currTrim)
	if unicode.IsLower(first) {
		return true
	}

	head := strings.ToLower(headRunes(currTrim, 24))
	for _, starter := range continuationStarters {
		if strings.HasPrefix(head, starter) {
			return true
		}
	}

	return false
}

func hasStructuredPrefix(s string) bool {
	return strings.HasPrefix(s, "- ") || strings.HasPrefix(s, "* ") ||
		strings.HasPrefix(s, ">") || strings.HasPrefix(s, "|")
}

// joinParagraphs concatenates two paragraph fragments, without a joining
// space when both boundary characters are CJK.
func joinParagraphs(prev, curr string) string {
	prevText := strings.TrimRightFunc(prev, unicode.IsSpace)
	currText := strings.TrimLeftFunc(curr, unicode.IsSpace)

	if prevText == "" {
		return currText
	}

	if currText == "" {
		return prevText
	}

	last, _ := utf8.DecodeLastRuneInString(prevText)
	first, _ := utf8.DecodeRuneInString(currText)

	if isCJKRune(last) && isCJKRune(first) {
		return prevText + currText
	}

	return prevText + " " + currText
}

func isCJKRune(r rune) bool {
	return r >= 0x4E00 && r <= 0x9FFF
}

func headRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}

	runes := []rune(s)

	return string(runes[:limit])
}
