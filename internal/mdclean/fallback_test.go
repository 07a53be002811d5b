package mdclean

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferLanguage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty defaults to zh", in: "", want: "zh"},
		{name: "chinese", in: "样品的产氢速率显著提升", want: "zh"},
		{name: "english", in: "The hydrogen evolution rate increases with light intensity.", want: "en"},
		{name: "short text with one cjk char", in: "rate of 图 one result", want: "zh"},
		{name: "long text with one cjk char", in: "rate of 图 one in a long english sentence about measured results", want: "en"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, inferLanguage(tt.in))
		})
	}
}

func TestSplitSentences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "english sentences",
			in:   "A is large. B is small. C stays",
			want: []string{"A is large.", "B is small.", "C stays"},
		},
		{
			name: "terminator without following space keeps going",
			in:   "pH 7.5 is optimal",
			want: []string{"pH 7.5 is optimal"},
		},
		{
			name: "chinese terminator followed by space",
			in:   "速率提升。 稳定性良好",
			want: []string{"速率提升。", "稳定性良好"},
		},
		{
			name: "question and exclamation",
			in:   "Really? Yes! Done",
			want: []string{"Really?", "Yes!", "Done"},
		},
		{
			name: "trailing terminator",
			in:   "One sentence only.",
			want: []string{"One sentence only."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, splitSentences(tt.in))
		})
	}
}

func TestExtractSupportingSentences(t *testing.T) {
	t.Parallel()

	text := "tiny. tiny. The first long sentence about rates. A second long sentence follows here.\n" +
		"The first long sentence about rates. A third distinct sentence closes the set. A fourth is ignored entirely."

	got := extractSupportingSentences(text, 3)

	require.Len(t, got, 3)
	assert.Equal(t, "The first long sentence about rates.", got[0])
	assert.Equal(t, "A second long sentence follows here.", got[1])
	assert.Equal(t, "A third distinct sentence closes the set.", got[2])
}

func TestExtractNumbers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "numbers with units",
			in:   "The rate reached 12.5 mmol at 420 nm and 25 °C.",
			want: []string{"12.5 mmol", "420 nm", "25 °C"},
		},
		{
			name: "percent and plain numbers",
			in:   "An AQY of 4.2% over 100 cycles.",
			want: []string{"4.2%", "100"},
		},
		{
			name: "letters glued to digits are skipped",
			in:   "H2O and TiO2 samples", // the digits belong to formulas
			want: nil,
		},
		{
			name: "signed values",
			in:   "a shift of -0.5 eV was observed",
			want: []string{"-0.5 eV"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, extractNumbers(tt.in))
		})
	}
}

func TestExtractSampleTokens(t *testing.T) {
	t.Parallel()

	text := "Fig 3 compares CdS, CdS-Pt and UV-Vis spectra from the Results section, see also TEM images of Sample1"

	got := extractSampleTokens(text)

	assert.Contains(t, got, "CdS")
	assert.Contains(t, got, "CdS-Pt")
	assert.Contains(t, got, "UV-Vis")
	assert.Contains(t, got, "Sample1")
	assert.NotContains(t, got, "Fig")
	assert.NotContains(t, got, "TEM")

	caps := extractSampleTokens("Aa Bb Cc Dd Ee Ff Gg Hh")

	assert.Len(t, strings.Split(caps, ", "), 6)
}

func TestExtractMetrics(t *testing.T) {
	t.Parallel()

	got := extractMetrics("The H2 evolution and photocurrent response improved, band gap narrowed.")

	assert.Equal(t, "H2 rate, band structure/gap, photocurrent", got)
	assert.Empty(t, extractMetrics("no matching vocabulary here"))
}

func TestExtractConditions(t *testing.T) {
	t.Parallel()

	text := "Measured at pH 7 in water.\nUnder visible light irradiation with lambda above 420.\nA third matching light line is dropped.\nNothing relevant."

	got := extractConditions(text)

	parts := strings.Split(got, " || ")

	require.Len(t, parts, 2, "at most two condition lines are kept")
	assert.Equal(t, "Measured at pH 7 in water.", parts[0])
	assert.Equal(t, "Under visible light irradiation with lambda above 420.", parts[1])

	assert.Empty(t, extractConditions("the phase transition of the sample"), "pH probe is case sensitive")
}

func TestExtractComparison(t *testing.T) {
	t.Parallel()

	en := extractComparison("The composite is higher than the bare sample. Another sentence.")

	assert.Equal(t, "The composite is higher than the bare sample", en)

	zh := extractComparison("复合样品优于纯相样品，且更稳定。")

	assert.Contains(t, zh, "优于")

	assert.Empty(t, extractComparison("no comparative statements at all"))
}

func TestCoreConclusionEN(t *testing.T) {
	t.Parallel()

	assert.Contains(t, coreConclusionEN("rates are higher than before"), "improved performance")
	assert.Contains(t, coreConclusionEN("the current shows a decrease over time"), "declining trend")
	assert.Contains(t, coreConclusionEN("plain descriptive text"), "comparative trend")
	assert.Contains(t, coreConclusionEN(""), "summarizes the key trend")
}

func TestBuildFallbackBlock_English(t *testing.T) {
	t.Parallel()

	caption := "Figure 4. Comparison of rates."
	nearby := "The CdS-Pt sample reaches 12.5 mmol, higher than the reference. Stability holds over 100 cycles."

	block := buildFallbackBlock("fig 4", caption, nearby)

	lines := strings.Split(block, "\n")

	require.GreaterOrEqual(t, len(lines), 10)
	assert.Equal(t, splitMarker, lines[0])
	assert.Equal(t, "- fig_id: fig 4", lines[1])
	assert.Equal(t, splitMarker, lines[len(lines)-1])

	assert.Contains(t, block, "- core_conclusion: The figure indicates improved performance")
	assert.Contains(t, block, "- samples: ")
	assert.Contains(t, block, "- key_numbers: 4, 12.5 mmol, 100")
	assert.Contains(t, block, "- comparison: ")
	assert.Contains(t, block, "- provenance_location=fig_id caption/Results section")
	assert.Contains(t, block, `- provenance_evidence="`)
	assert.NotContains(t, block, "value_type=trend_only")
}

func TestBuildFallbackBlock_Chinese(t *testing.T) {
	t.Parallel()

	caption := "图 不同样品的产氢速率对比"
	nearby := "复合样品的产氢速率明显提升，优于纯相样品。"

	block := buildFallbackBlock("fig 4", caption, nearby)

	assert.Contains(t, block, "- 核心结论: ")
	assert.Contains(t, block, "- 涉及样品: ")
	assert.Contains(t, block, "- 关键数值: 趋势：文中仅描述趋势，未给出明确数值")
	assert.Contains(t, block, "- 对比关系: ")
	assert.Contains(t, block, "- value_type=trend_only")
	assert.True(t, strings.HasPrefix(block, splitMarker))
	assert.True(t, strings.HasSuffix(block, splitMarker))
}

func TestBuildFallbackBlock_TrendOnlyEnglish(t *testing.T) {
	t.Parallel()

	block := buildFallbackBlock("fig 5", "Trend of photocatalytic activity.", "Activity keeps rising across samples without reported values")

	assert.Contains(t, block, "- key_numbers: trend only")
	assert.Contains(t, block, "- value_type=trend_only")
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", truncateRunes("abc", 10))
	assert.Equal(t, "abc", truncateRunes("abcdef", 3))
	assert.Equal(t, "样品分", truncateRunes("样品分析结果", 3))
	assert.Equal(t, "full text", truncateRunes("full text", 0), "zero limit means no truncation")
}
