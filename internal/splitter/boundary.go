package splitter

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sentenceTerminators are the characters that end a sentence in mixed
// Chinese and English manuscripts.
const sentenceTerminators = "。！？.!?；;"

// boundaryTolerance is how far, in runes, a terminator may sit from the
// junction of two texts and still count as a sentence boundary there.
const boundaryTolerance = 5

// boundaryMemoLimit caps the per-splitter boundary memo. The map is cleared
// wholesale when full.
const boundaryMemoLimit = 2048

type boundaryKey struct {
	before string
	after  string
}

// isSentenceBoundary reports whether the junction between two texts falls on
// a sentence boundary. Results are memoized because scoring and refinement
// probe the same element pairs repeatedly.
func (s *Splitter) isSentenceBoundary(before, after string) bool {
	key := boundaryKey{before: before, after: after}
	if v, ok := s.memo[key]; ok {
		return v
	}

	if len(s.memo) >= boundaryMemoLimit {
		s.memo = make(map[boundaryKey]bool)
	}

	v := evalSentenceBoundary(before, after)
	s.memo[key] = v

	return v
}

// evalSentenceBoundary checks the last character of the leading text first,
// then scans the joined text for a sentence terminator within the tolerance
// window around the junction. The window check covers closing quotes and
// brackets after a terminator as well as CJK text without trailing
// punctuation on the element itself.
func evalSentenceBoundary(before, after string) bool {
	if before == "" {
		return true
	}

	trimmed := strings.TrimRightFunc(before, unicode.IsSpace)
	if trimmed != "" {
		last, _ := utf8.DecodeLastRuneInString(trimmed)
		if strings.ContainsRune(sentenceTerminators, last) {
			return true
		}
	}

	combined := before + " " + after
	beforeLen := utf8.RuneCountInString(before)

	pos := 0
	for _, r := range combined {
		pos++

		dist := pos - beforeLen
		if dist >= boundaryTolerance {
			break
		}

		if dist > -boundaryTolerance && strings.ContainsRune(sentenceTerminators, r) {
			return true
		}
	}

	return false
}

// findNearestSentenceBoundary searches the window around an element index
// for the closest position whose preceding junction is a sentence boundary.
// Ties resolve to the earlier index. Returns -1 when nothing qualifies.
func (s *Splitter) findNearestSentenceBoundary(elems []element, current int) int {
	window := s.cfg.searchWindow()

	start := current - window
	if start < 0 {
		start = 0
	}

	end := current + window + 1
	if end > len(elems) {
		end = len(elems)
	}

	best := -1
	bestDist := 0

	for i := start; i < end; i++ {
		if i <= 0 {
			continue
		}

		prevText := elems[i-1].Text
		curText := elems[i].Text
		if prevText == "" || curText == "" {
			continue
		}

		if !s.isSentenceBoundary(prevText, curText) {
			continue
		}

		d := i - current
		if d < 0 {
			d = -d
		}

		if best < 0 || d < bestDist {
			best = i
			bestDist = d
		}
	}

	return best
}
