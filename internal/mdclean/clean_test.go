package mdclean

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jadechjin/zotero-mineru-dify/internal/mineru"
)

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))

	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func allRulesConfig() Config {
	return Config{
		Enabled:                 true,
		CollapseBlankLines:      true,
		StripHTML:               true,
		RemoveControlChars:      true,
		RemoveImagePlaceholders: true,
	}
}

func newTestCleaner(t *testing.T, cfg Config, vision VisionConfig) *Cleaner {
	t.Helper()

	return NewCleaner(cfg, vision, nil, testLogger(t))
}

func TestCleanDocument_DisabledPassesThrough(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t, Config{}, VisionConfig{})
	text := "<b>raw</b>\n\n\n\nstays"

	cleaned, stats := c.CleanDocument(context.Background(), text, nil)

	assert.Equal(t, text, cleaned)
	assert.Equal(t, stats.OriginalLen, stats.CleanedLen)
	assert.Empty(t, stats.Rules)
}

func TestCleanDocument_EmptyText(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t, allRulesConfig(), VisionConfig{})

	cleaned, stats := c.CleanDocument(context.Background(), "", nil)

	assert.Empty(t, cleaned)
	assert.Zero(t, stats.OriginalLen)
	assert.Zero(t, stats.CleanedLen)
}

func TestCleanDocument_RemovesImagePlaceholders(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t, Config{Enabled: true, RemoveImagePlaceholders: true}, VisionConfig{})

	text := "before ![alt](images/a.png) after\n" +
		"nested ![x](dir/(v1)/b.png) done\n" +
		"escaped ![a\\]b](c.png) done"

	cleaned, _ := c.CleanDocument(context.Background(), text, nil)

	assert.Equal(t, "before  after\nnested  done\nescaped  done", cleaned)
}

func TestCleanDocument_StripHTMLKeepsSplitMarker(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t, Config{Enabled: true, StripHTML: true}, VisionConfig{})

	text := "intro <sup>2</sup> text\n<!--split-->\n<table><tr><td>cell</td></tr></table> and more words"

	cleaned, _ := c.CleanDocument(context.Background(), text, nil)

	assert.Contains(t, cleaned, "<!--split-->")
	assert.NotContains(t, cleaned, "<sup>")
	assert.NotContains(t, cleaned, "<table>")
	assert.Contains(t, cleaned, "intro 2 text")
}

func TestCleanDocument_RemovesControlChars(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t, Config{Enabled: true, RemoveControlChars: true}, VisionConfig{})

	cleaned, _ := c.CleanDocument(context.Background(), "ab\x00cd\x1fef and a tail\tkeep\nnewline", nil)

	assert.Equal(t, "abcdef and a tail\tkeep\nnewline", cleaned)
}

func TestCleanDocument_RemovesPageNumbersWhenEnabled(t *testing.T) {
	t.Parallel()

	text := "first paragraph line\n  42  \nsecond paragraph line\n12345\n"

	c := newTestCleaner(t, Config{Enabled: true, RemovePageNumbers: true, CollapseBlankLines: true}, VisionConfig{})

	cleaned, _ := c.CleanDocument(context.Background(), text, nil)

	assert.NotContains(t, cleaned, "42")
	assert.Contains(t, cleaned, "12345", "five digits is no longer a page number")
	assert.Contains(t, cleaned, "first paragraph line")
	assert.Contains(t, cleaned, "second paragraph line")

	off := newTestCleaner(t, Config{Enabled: true}, VisionConfig{})

	kept, _ := off.CleanDocument(context.Background(), text, nil)

	assert.Contains(t, kept, "42")
}

func TestCleanDocument_RemovesWatermarks(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Enabled:           true,
		RemoveWatermark:   true,
		WatermarkPatterns: `Downloaded from \S+, (?P<broken`,
	}

	c := newTestCleaner(t, cfg, VisionConfig{})

	text := "Downloaded from example.org\nreal content stays here"

	cleaned, _ := c.CleanDocument(context.Background(), text, nil)

	assert.NotContains(t, cleaned, "Downloaded from")
	assert.Contains(t, cleaned, "real content stays here")
}

func TestCleanDocument_CollapsesBlankLines(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t, Config{Enabled: true, CollapseBlankLines: true}, VisionConfig{})

	cleaned, _ := c.CleanDocument(context.Background(), "a\n\n\n\n\nb", nil)

	assert.Equal(t, "a\n\nb", cleaned)
}

func TestCleanDocument_ShortOutputRevertsToOriginal(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t, Config{Enabled: true, StripHTML: true}, VisionConfig{})

	text := "<div><span><b>hi</b></span></div>"

	cleaned, stats := c.CleanDocument(context.Background(), text, nil)

	assert.Equal(t, text, cleaned)
	assert.Equal(t, stats.OriginalLen, stats.CleanedLen)

	names := ruleNames(stats)
	assert.Contains(t, names, "fallback_to_original")
}

func TestCleanDocument_ShortOriginalNotReverted(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t, Config{Enabled: true, StripHTML: true}, VisionConfig{})

	cleaned, stats := c.CleanDocument(context.Background(), "<b>hi</b>", nil)

	assert.Equal(t, "hi", cleaned)
	assert.NotContains(t, ruleNames(stats), "fallback_to_original")
}

func TestCleanDocument_RuleOrder(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Enabled:                 true,
		CollapseBlankLines:      true,
		StripHTML:               true,
		RemoveControlChars:      true,
		RemoveImagePlaceholders: true,
		RemovePageNumbers:       true,
		RemoveWatermark:         true,
		WatermarkPatterns:       "WATERMARK",
	}

	c := newTestCleaner(t, cfg, VisionConfig{})

	_, stats := c.CleanDocument(context.Background(), "some document body with enough length", nil)

	require.Equal(t, []string{
		"remove_image_placeholders",
		"strip_html",
		"remove_control_chars",
		"remove_page_numbers",
		"remove_watermark",
		"collapse_blank_lines",
	}, ruleNames(stats))
}

func TestCleanDocument_TrimsResult(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t, Config{Enabled: true}, VisionConfig{})

	cleaned, _ := c.CleanDocument(context.Background(), "\n\n  a body that stays intact  \n\n", nil)

	assert.Equal(t, "a body that stays intact", cleaned)
}

func TestCleanAll_Aggregates(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t, Config{Enabled: true, StripHTML: true}, VisionConfig{})

	docs := []mineru.Document{
		{TaskKey: "AAA#0", Text: "first doc body <b>kept</b> words"},
		{TaskKey: "BBB#0", Text: "second doc body with <i>markup</i> inside"},
	}

	cleaned, agg := c.CleanAll(context.Background(), docs)

	require.Len(t, cleaned, 2)
	assert.Equal(t, "AAA#0", cleaned[0].TaskKey)
	assert.NotContains(t, cleaned[0].Text, "<b>")
	assert.NotContains(t, cleaned[1].Text, "<i>")
	assert.Equal(t, 2, agg.FileCount)
	assert.Greater(t, agg.TotalOriginal, agg.TotalCleaned)
	assert.Greater(t, agg.ReductionPct, 0.0)
}

func TestCleanAll_DisabledKeepsTotalsEqual(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t, Config{}, VisionConfig{})

	docs := []mineru.Document{{TaskKey: "AAA#0", Text: "untouched <b>text</b>"}}

	cleaned, agg := c.CleanAll(context.Background(), docs)

	require.Len(t, cleaned, 1)
	assert.Equal(t, "untouched <b>text</b>", cleaned[0].Text)
	assert.Equal(t, agg.TotalOriginal, agg.TotalCleaned)
	assert.Zero(t, agg.ReductionPct)
}

func TestFindImageEnd(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "simple", text: "![alt](a.png) rest", want: "![alt](a.png)"},
		{name: "nested parens", text: "![x](dir/(v2)/a.png) rest", want: "![x](dir/(v2)/a.png)"},
		{name: "escaped bracket in alt", text: `![a\]b](a.png) rest`, want: `![a\]b](a.png)`},
		{name: "space before paren", text: "![alt]  (a.png) rest", want: "![alt]  (a.png)"},
		{name: "newline in alt", text: "![alt\n](a.png)", want: ""},
		{name: "newline in link", text: "![alt](a\n.png)", want: ""},
		{name: "missing paren", text: "![alt] no link", want: ""},
		{name: "unclosed link", text: "![alt](a.png", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			end := findImageEnd(tt.text, 0)

			if tt.want == "" {
				assert.Equal(t, -1, end)

				return
			}

			require.Greater(t, end, 0)
			assert.Equal(t, tt.want, tt.text[:end])
		})
	}
}

func ruleNames(stats Stats) []string {
	names := make([]string, 0, len(stats.Rules))
	for _, r := range stats.Rules {
		names = append(names, r.Name)
	}

	return names
}
