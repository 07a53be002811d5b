package splitter

import "slices"

// findSplitPoints walks the element stream and returns the element indices
// to split before. Headings force a split and start a cooldown during which
// only length accumulates; every other non-blank element is scored against
// the configured threshold. When a region grows past 1.5 times the maximum
// length without a scored split, the nearest sentence boundary wins, and as
// a last resort the current element does.
func (s *Splitter) findSplitPoints(elems []element) []int {
	maxLength := s.cfg.maxLength()

	var points []int

	currentLength := 0
	lastPotential := -1
	cooldown := 0

	for idx, el := range elems {
		if el.IsHeading && idx > 0 && s.cfg.ForceSplitBeforeHeading {
			if len(points) == 0 || idx != points[len(points)-1] {
				points = append(points, idx)
			}

			currentLength = 0
			lastPotential = idx
			cooldown = s.cfg.cooldownElements()

			continue
		}

		if el.Length == 0 {
			continue
		}

		if cooldown > 0 {
			currentLength += el.Length
			cooldown--

			continue
		}

		currentLength += el.Length

		score := s.calculateScore(idx, elems, currentLength, points)

		switch {
		case score >= s.cfg.MinSplitScore && idx > 0:
			points = append(points, idx)
			currentLength = 0
			lastPotential = idx
		case float64(currentLength) > float64(maxLength)*1.5:
			best := s.findNearestSentenceBoundary(elems, idx)

			if best >= 0 && (len(points) == 0 || best > points[len(points)-1]) {
				points = append(points, best)
				currentLength = 0
				lastPotential = best
			} else if idx-lastPotential > 3 {
				points = append(points, idx)
				currentLength = 0
				lastPotential = idx
			}
		}
	}

	return points
}

func (s *Splitter) calculateScore(idx int, elems []element, currentLength int, points []int) float64 {
	el := elems[idx]
	score := 0.0

	switch el.Type {
	case elementParagraph, elementList, elementBlockquote:
		if el.IsHeading {
			score += s.cfg.HeadingScoreBonus
		}

		if el.EndsWithPeriod {
			score += s.cfg.SentenceEndScoreBonus
		}

		if idx > 0 {
			switch elems[idx-1].Type {
			case elementParagraph, elementList, elementBlockquote:
				if s.isSentenceBoundary(elems[idx-1].Text, el.Text) {
					score += s.cfg.SentenceIntegrityWeight
				} else {
					score -= 10
				}
			}
		}
	default:
		// Base score for tables and code blocks.
		score += 6
	}

	prev := idx - 1
	for prev >= 0 && elems[prev].Length == 0 {
		prev--
	}

	if prev >= 0 && elems[prev].IsHeading {
		score -= s.cfg.HeadingAfterPenalty
	}

	minLength := s.cfg.minLength()

	switch {
	case currentLength >= minLength:
		bump := (currentLength - minLength) / s.cfg.lengthFactor()
		if bump > 4 {
			bump = 4
		}

		score += float64(bump)
	case float64(currentLength) < float64(minLength)*0.7:
		score -= 5
	}

	if len(points) > 0 && idx-points[len(points)-1] < 3 {
		score -= 8
	}

	if currentLength > s.cfg.maxLength() {
		score += 4
	}

	return score
}

// refineSplitPoints moves points that would land mid-sentence between two
// prose elements to the nearest sentence boundary. Points on or directly
// after a heading stay put.
func (s *Splitter) refineSplitPoints(elems []element, points []int) []int {
	refined := make([]int, 0, len(points))

	for _, sp := range points {
		if elems[sp].IsHeading || (sp > 0 && elems[sp-1].IsHeading) {
			refined = append(refined, sp)

			continue
		}

		needAdjust := false
		if sp > 0 && isProsePair(elems[sp-1].Type, elems[sp].Type) {
			needAdjust = !s.isSentenceBoundary(elems[sp-1].Text, elems[sp].Text)
		}

		if !needAdjust {
			refined = append(refined, sp)

			continue
		}

		if best := s.findNearestSentenceBoundary(elems, sp); best >= 0 {
			refined = append(refined, best)
		} else {
			refined = append(refined, sp)
		}
	}

	slices.Sort(refined)

	return slices.Compact(refined)
}

func isProsePair(prev, cur elementType) bool {
	prevOK := prev == elementParagraph || prev == elementList
	curOK := cur == elementParagraph || cur == elementList

	return prevOK && curOK
}

// mergeHeadingWithBody drops any split point sitting strictly between a
// heading and its first non-empty content element, keeping the heading
// attached to its opening block.
func mergeHeadingWithBody(elems []element, points []int) []int {
	if len(points) == 0 {
		return nil
	}

	keep := make(map[int]bool, len(points))
	for _, sp := range points {
		keep[sp] = true
	}

	for _, sp := range points {
		i := sp - 1
		for i >= 0 && elems[i].Length == 0 {
			i--
		}

		if i < 0 || !elems[i].IsHeading {
			continue
		}

		headingIdx := i

		j := headingIdx + 1
		for j < len(elems) && elems[j].Length == 0 {
			j++
		}

		if headingIdx < sp && sp <= j {
			delete(keep, sp)
		}
	}

	out := make([]int, 0, len(keep))
	for sp := range keep {
		out = append(out, sp)
	}

	slices.Sort(out)

	return out
}
