package splitter

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type elementType string

const (
	elementHeading    elementType = "heading"
	elementParagraph  elementType = "paragraph"
	elementList       elementType = "list"
	elementTable      elementType = "table"
	elementCode       elementType = "code"
	elementBlockquote elementType = "blockquote"
	elementBlank      elementType = "blank"
)

var (
	reHeadingLine = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	reListItem    = regexp.MustCompile(`^(?:[-*+]|\d+[.)])\s+`)
	reTableRow    = regexp.MustCompile(`^\|.*\|$`)
	reTableSep    = regexp.MustCompile(`^\|[\s\-:]+\|$`)
)

// element is one semantic block of a Markdown document: a heading, a
// paragraph, a list, a table, a fenced code block, a blockquote or a blank
// line. Length counts runes so CJK text weighs the same as Latin text.
type element struct {
	Idx            int
	Type           elementType
	Text           string
	Length         int
	Level          int
	IsHeading      bool
	EndsWithPeriod bool
}

func newElement(idx int, typ elementType, text string) element {
	return element{
		Idx:            idx,
		Type:           typ,
		Text:           text,
		Length:         utf8.RuneCountInString(text),
		IsHeading:      typ == elementHeading,
		EndsWithPeriod: endsWithSentenceTerminator(text),
	}
}

// extractElements scans the document line by line and groups lines into
// elements. Fenced code blocks are kept intact including the closing fence,
// tables and blockquotes span consecutive matching lines, list items absorb
// two-space continuation lines, and paragraphs merge consecutive plain lines.
func extractElements(text string) []element {
	lines := strings.Split(text, "\n")

	var elems []element

	idx := 0
	i := 0

	for i < len(lines) {
		line := lines[i]
		stripped := strings.TrimSpace(line)

		if stripped == "" {
			elems = append(elems, newElement(idx, elementBlank, ""))
			idx++
			i++

			continue
		}

		if strings.HasPrefix(stripped, "```") {
			codeLines := []string{line}
			i++

			for i < len(lines) {
				codeLines = append(codeLines, lines[i])
				i++

				if strings.HasPrefix(strings.TrimSpace(lines[i-1]), "```") {
					break
				}
			}

			elems = append(elems, newElement(idx, elementCode, strings.Join(codeLines, "\n")))
			idx++

			continue
		}

		if m := reHeadingLine.FindStringSubmatch(stripped); m != nil {
			el := newElement(idx, elementHeading, stripped)
			el.Level = len(m[1])
			elems = append(elems, el)
			idx++
			i++

			continue
		}

		if reTableRow.MatchString(stripped) {
			var tableLines []string

			for i < len(lines) {
				probe := strings.TrimSpace(lines[i])
				if !reTableRow.MatchString(probe) && !reTableSep.MatchString(probe) {
					break
				}

				tableLines = append(tableLines, lines[i])
				i++
			}

			elems = append(elems, newElement(idx, elementTable, strings.Join(tableLines, "\n")))
			idx++

			continue
		}

		if strings.HasPrefix(stripped, ">") {
			var quoteLines []string

			for i < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[i]), ">") {
				quoteLines = append(quoteLines, lines[i])
				i++
			}

			elems = append(elems, newElement(idx, elementBlockquote, strings.Join(quoteLines, "\n")))
			idx++

			continue
		}

		if reListItem.MatchString(stripped) {
			listLines := []string{line}
			i++

			for i < len(lines) {
				next := strings.TrimSpace(lines[i])
				if next == "" {
					break
				}

				if !reListItem.MatchString(next) && !strings.HasPrefix(lines[i], "  ") {
					break
				}

				listLines = append(listLines, lines[i])
				i++
			}

			elems = append(elems, newElement(idx, elementList, strings.Join(listLines, "\n")))
			idx++

			continue
		}

		paraLines := []string{line}
		i++

		for i < len(lines) {
			next := strings.TrimSpace(lines[i])
			if next == "" || reHeadingLine.MatchString(next) || strings.HasPrefix(next, "```") ||
				reTableRow.MatchString(next) || strings.HasPrefix(next, ">") || reListItem.MatchString(next) {
				break
			}

			paraLines = append(paraLines, lines[i])
			i++
		}

		elems = append(elems, newElement(idx, elementParagraph, strings.Join(paraLines, "\n")))
		idx++
	}

	return elems
}

func endsWithSentenceTerminator(text string) bool {
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	if trimmed == "" {
		return false
	}

	last, _ := utf8.DecodeLastRuneInString(trimmed)

	return strings.ContainsRune(sentenceTerminators, last)
}
