package splitter

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"
)

// defaultHeadingPatterns recognize headings that OCR output leaves as plain
// text: Chinese chapter markers, enumerated CJK section labels, dotted
// decimal prefixes followed by a short CJK title, and parenthesized numerals.
var defaultHeadingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^第[一二三四五六七八九十百千]+[章节]`),
	regexp.MustCompile(`^[一二三四五六七八九十]+[、.]`),
	regexp.MustCompile(`^\d+(?:\.\d+)*\s*[\x{4e00}-\x{9fff}]{0,30}$`),
	regexp.MustCompile(`^[(（][一二三四五六七八九十]+[)）]`),
	regexp.MustCompile(`^[(（]?\d+[)）]`),
}

// compileHeadingPatterns extends the default set with user-supplied regexes,
// comma-separated and matched from the start of the line. Invalid patterns
// are skipped with a warning.
func compileHeadingPatterns(custom string, logger *slog.Logger) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(defaultHeadingPatterns)+2)
	patterns = append(patterns, defaultHeadingPatterns...)

	for _, raw := range strings.Split(custom, ",") {
		part := strings.TrimSpace(raw)
		if part == "" {
			continue
		}

		re, err := regexp.Compile("^(?:" + part + ")")
		if err != nil {
			logger.Warn("invalid custom heading pattern skipped",
				slog.String("pattern", part),
				slog.String("error", err.Error()))

			continue
		}

		patterns = append(patterns, re)
	}

	return patterns
}

// markHeadings promotes elements whose content looks like a heading even
// though they lack Markdown heading syntax. Blank lines, code blocks and
// tables are never promoted.
func markHeadings(elems []element, patterns []*regexp.Regexp) {
	for i := range elems {
		el := &elems[i]
		if el.IsHeading {
			continue
		}

		switch el.Type {
		case elementBlank, elementCode, elementTable:
			continue
		}

		plain := strings.TrimSpace(strings.TrimLeft(el.Text, "#"))
		if contentLooksLikeHeading(plain, patterns) {
			el.IsHeading = true
		}
	}
}

// contentLooksLikeHeading is the pattern-based test: short, not ending in a
// sentence terminator, and matching one of the heading patterns.
func contentLooksLikeHeading(text string, patterns []*regexp.Regexp) bool {
	if text == "" {
		return false
	}

	stripped := strings.TrimSpace(text)
	if utf8.RuneCountInString(stripped) > 80 {
		return false
	}

	if endsWithSentenceTerminator(stripped) {
		return false
	}

	for _, pat := range patterns {
		if pat.MatchString(stripped) {
			return true
		}
	}

	return false
}
