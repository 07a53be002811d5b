package mdclean

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	reCJK = regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)

	// reNumberWithUnit captures numbers with optional measurement units. The
	// leading alternative rejects numbers glued to a letter, like the 2 in
	// "H2O"; the captured group is the number itself.
	reNumberWithUnit = regexp.MustCompile(`(?:^|[^A-Za-z])([-+]?\d+(?:\.\d+)?(?:\s?(?:%|‰|eV|nm|mA|V|W|h|min|s|°C|K|mg|g|mL|L|µmol|mmol|mol))?)`)

	reSampleToken = regexp.MustCompile(`\b[A-Z][A-Za-z0-9_\-]{1,24}\b`)

	reComparisonEN = regexp.MustCompile(`(?i)[^.。！？!?]*(higher than|lower than|better than|worse than|more stable than)[^.。！？!?]*`)
	reComparisonZH = regexp.MustCompile(`(?i)[^.。！？!?]*(优于|高于|低于|更稳定|最高|最低)[^.。！？!?]*`)
)

// sampleBlocklist holds capitalized tokens that read like sample names but
// are figure boilerplate or common characterization methods.
var sampleBlocklist = map[string]bool{
	"Fig": true, "Figure": true, "Results": true, "Discussion": true,
	"Supplementary": true, "UV": true, "Vis": true, "XRD": true,
	"SEM": true, "TEM": true,
}

var metricKeywords = []struct {
	needle string
	label  string
}{
	{"h2", "H2 rate"},
	{"aqy", "AQY"},
	{"stability", "stability"},
	{"band", "band structure/gap"},
	{"hydrogen", "hydrogen production"},
	{"photocurrent", "photocurrent"},
	{"selectivity", "selectivity"},
	{"conversion", "conversion"},
}

var conditionNeedles = []string{"lambda", "sacrificial", "catalyst", "dosage", "illumination", "light", "nm"}

var sentenceTerminators = map[rune]bool{
	'。': true, '！': true, '？': true, '!': true, '?': true,
	';': true, '；': true, '.': true,
}

// buildFallbackBlock assembles the heuristic summary block from caption and
// nearby discussion when no AI summary is available. The template language
// follows the source text; provenance lines and the trend-only tag keep the
// block indexable either way.
func buildFallbackBlock(figID, captionText, nearbyText string) string {
	source := strings.TrimSpace(captionText + "\n" + nearbyText)

	evidence := "未提及"
	if sentences := extractSupportingSentences(source, 3); len(sentences) > 0 {
		evidence = strings.Join(sentences, " || ")
	}

	numbers := extractNumbers(source)

	numberText := "趋势：文中仅描述趋势，未给出明确数值"
	if len(numbers) > 0 {
		numberText = strings.Join(numbers[:min(8, len(numbers))], ", ")
	}

	samples := extractSampleTokens(source)
	metrics := extractMetrics(source)
	conditions := extractConditions(source)
	comparison := extractComparison(source)
	conclusion := coreConclusionEN(source)

	var lines []string

	if inferLanguage(source) == "zh" {
		lines = []string{
			splitMarker,
			"- fig_id: " + figID,
			"- 核心结论: " + conclusion,
			"- 涉及样品: " + orDefault(samples, "未提及"),
			"- 涉及指标: " + orDefault(metrics, "未提及"),
			"- 关键条件: " + orDefault(conditions, "未提及"),
			"- 关键数值: " + numberText,
			"- 对比关系: " + orDefault(comparison, "未提及"),
			"- provenance_location=fig_id caption/Results section",
			`- provenance_evidence="` + evidence + `"`,
		}
	} else {
		numberLine := "trend only"
		if len(numbers) > 0 {
			numberLine = numberText
		}

		lines = []string{
			splitMarker,
			"- fig_id: " + figID,
			"- core_conclusion: " + conclusion,
			"- samples: " + orDefault(samples, "not mentioned"),
			"- metrics: " + orDefault(metrics, "not mentioned"),
			"- key_conditions: " + orDefault(conditions, "not mentioned"),
			"- key_numbers: " + numberLine,
			"- comparison: " + orDefault(comparison, "not mentioned"),
			"- provenance_location=fig_id caption/Results section",
			`- provenance_evidence="` + evidence + `"`,
		}
	}

	if len(numbers) == 0 {
		lines = append(lines, "- value_type=trend_only")
	}

	lines = append(lines, splitMarker)

	return strings.Join(lines, "\n")
}

// inferLanguage classifies text as zh when at least 2% of its characters are
// CJK. Empty text defaults to zh.
func inferLanguage(text string) string {
	if text == "" {
		return "zh"
	}

	cjk := len(reCJK.FindAllString(text, -1))

	if float64(cjk)/float64(max(1, utf8.RuneCountInString(text))) >= 0.02 {
		return "zh"
	}

	return "en"
}

// splitSentences cuts a line after sentence terminators that are followed by
// whitespace, keeping the terminator attached to its sentence.
func splitSentences(line string) []string {
	runes := []rune(line)

	var (
		parts []string
		start int
	)

	for i := 0; i < len(runes); i++ {
		if !sentenceTerminators[runes[i]] {
			continue
		}

		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}

		if j == i+1 {
			continue
		}

		parts = append(parts, string(runes[start:i+1]))
		start = j
		i = j - 1
	}

	if start < len(runes) {
		parts = append(parts, string(runes[start:]))
	}

	return parts
}

// extractSupportingSentences picks up to maxSentences distinct sentences of
// at least six characters, in document order.
func extractSupportingSentences(text string, maxSentences int) []string {
	if text == "" {
		return nil
	}

	seen := make(map[string]bool)

	var picked []string

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		for _, part := range splitSentences(line) {
			sentence := strings.TrimSpace(part)
			if sentence == "" || seen[sentence] {
				continue
			}

			seen[sentence] = true

			if utf8.RuneCountInString(sentence) < 6 {
				continue
			}

			picked = append(picked, sentence)
			if len(picked) >= maxSentences {
				return picked
			}
		}
	}

	return picked
}

func extractNumbers(text string) []string {
	var numbers []string

	for _, m := range reNumberWithUnit.FindAllStringSubmatch(text, -1) {
		if n := strings.TrimSpace(m[1]); n != "" {
			numbers = append(numbers, n)
		}
	}

	return numbers
}

// extractSampleTokens keeps up to six distinct capitalized tokens that are
// not on the blocklist, as a crude stand-in for sample names.
func extractSampleTokens(text string) string {
	if text == "" {
		return ""
	}

	seen := make(map[string]bool)

	var uniq []string

	for _, token := range reSampleToken.FindAllString(text, -1) {
		if sampleBlocklist[token] || seen[token] {
			continue
		}

		seen[token] = true

		uniq = append(uniq, token)
		if len(uniq) >= 6 {
			break
		}
	}

	return strings.Join(uniq, ", ")
}

func extractMetrics(text string) string {
	if text == "" {
		return ""
	}

	lowered := strings.ToLower(text)

	var metrics []string

	for _, kw := range metricKeywords {
		if strings.Contains(lowered, kw.needle) {
			metrics = append(metrics, kw.label)
		}
	}

	return strings.Join(metrics, ", ")
}

// extractConditions keeps up to two lines that mention measurement
// conditions. The pH probe is case-sensitive so "phase" and friends do not
// trigger it.
func extractConditions(text string) string {
	if text == "" {
		return ""
	}

	var clues []string

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !conditionLine(line) {
			continue
		}

		clues = append(clues, line)
		if len(clues) >= 2 {
			break
		}
	}

	return strings.Join(clues, " || ")
}

func conditionLine(line string) bool {
	if strings.Contains(line, "λ") || strings.Contains(line, "pH") {
		return true
	}

	lowered := strings.ToLower(line)

	for _, needle := range conditionNeedles {
		if strings.Contains(lowered, needle) {
			return true
		}
	}

	return false
}

func extractComparison(text string) string {
	if text == "" {
		return ""
	}

	for _, re := range []*regexp.Regexp{reComparisonEN, reComparisonZH} {
		if m := re.FindString(text); m != "" {
			return strings.TrimSpace(m)
		}
	}

	return ""
}

// coreConclusionEN maps comparison vocabulary in the source text to one of a
// few fixed English conclusions. No measurement values are ever invented.
func coreConclusionEN(text string) string {
	if text == "" {
		return "The figure summarizes the key trend discussed in the manuscript text."
	}

	lowered := strings.ToLower(text)

	for _, term := range []string{"higher than", "better than", "improved", "increase", "enhanced"} {
		if strings.Contains(lowered, term) {
			return "The figure indicates improved performance for the leading sample under the reported conditions."
		}
	}

	for _, term := range []string{"lower than", "decrease", "decline", "drop"} {
		if strings.Contains(lowered, term) {
			return "The figure shows a declining trend for the reported metric compared with the reference condition."
		}
	}

	return "The figure captures a comparative trend that is described in the surrounding manuscript text."
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}

	return value
}

// truncateRunes cuts text to at most limit characters, never splitting a
// multi-byte character.
func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}

	runes := []rune(s)

	return string(runes[:limit])
}
