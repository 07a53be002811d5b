// Package mdclean post-processes OCR-produced Markdown before upload: a
// configurable rule chain (placeholder removal, HTML strip, control
// characters, page numbers, watermarks, blank-line collapse) and the figure
// summary rewriter that inserts indexable summary blocks after image links.
package mdclean

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jadechjin/zotero-mineru-dify/internal/mineru"
)

// splitMarker is the segmentation marker the RAG side splits on. Cleaning
// must never consume it.
const splitMarker = "<!--split-->"

// minCleanedLength is the short-output guard: below this many characters the
// cleaner reverts to the original text.
const minCleanedLength = 10

var (
	reImagePlaceholder = regexp.MustCompile(`!\[.*?\]\(.*?\)`)
	reMDImage          = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)
	reHTMLTag          = regexp.MustCompile(`<[^>]+>`)
	reControlChars     = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f]")
	reBlankLines       = regexp.MustCompile(`\n{3,}`)
	rePageNumber       = regexp.MustCompile(`(?m)^[ \t]*\d{1,4}[ \t]*$`)
)

// Config enables individual cleaning rules.
type Config struct {
	// Enabled turns the whole cleaner on or off. Disabled means documents
	// pass through untouched.
	Enabled bool

	CollapseBlankLines      bool
	StripHTML               bool
	RemoveControlChars      bool
	RemoveImagePlaceholders bool
	RemovePageNumbers       bool
	RemoveWatermark         bool

	// WatermarkPatterns is a comma-separated list of regexes removed when
	// RemoveWatermark is set. Invalid patterns are skipped with a warning.
	WatermarkPatterns string
}

// VisionConfig configures the figure summary rewriter and its vision model.
type VisionConfig struct {
	// Enabled turns the rewriter on or off.
	Enabled bool

	// APIBaseURL points at an OpenAI-compatible endpoint. Empty means the
	// OpenAI production URL.
	APIBaseURL string

	// APIKey authenticates vision requests. Without a key every image
	// gets the heuristic fallback block.
	APIKey string

	// Model names the vision model. Required for AI summaries.
	Model string

	// Provider tags the endpoint flavor, "openai" or "newapi".
	Provider string

	// RequestTimeout bounds one vision call. Zero means 120s, the floor
	// is 10s.
	RequestTimeout time.Duration

	// MaxContextChars caps harvested context passed to the model. Zero
	// means 3000, the floor is 500.
	MaxContextChars int

	// MaxImagesPerDoc caps summarized images per document. Zero disables
	// the rewrite entirely.
	MaxImagesPerDoc int

	// MaxTokens bounds the model reply. Zero means 900, the floor is 256.
	MaxTokens int

	// Temperature is passed through to the model.
	Temperature float64

	// Concurrency sizes the worker pool, clamped to 1..32.
	Concurrency int

	// ExtraBodyJSON is an optional JSON object merged into the request
	// payload.
	ExtraBodyJSON string
}

// RuleStat records one applied rule and the character count it changed.
type RuleStat struct {
	Name  string
	Delta int
}

// ImageStats counts figure summary outcomes for one document or one run.
type ImageStats struct {
	Enabled      bool
	TotalImages  int
	AIAttempted  int
	AISucceeded  int
	AIFailed     int
	FallbackUsed int
}

func (s *ImageStats) add(other ImageStats) {
	s.TotalImages += other.TotalImages
	s.AIAttempted += other.AIAttempted
	s.AISucceeded += other.AISucceeded
	s.AIFailed += other.AIFailed
	s.FallbackUsed += other.FallbackUsed
}

// Stats records what cleaning did to one document. Lengths count characters,
// not bytes.
type Stats struct {
	OriginalLen  int
	CleanedLen   int
	Rules        []RuleStat
	ImageSummary ImageStats
}

// Aggregate sums cleaning outcomes across one run.
type Aggregate struct {
	TotalOriginal int
	TotalCleaned  int
	ReductionPct  float64
	FileCount     int
	ImageSummary  ImageStats
}

// Cleaner applies the rule chain and the figure summary rewrite. Create one
// with NewCleaner; it is safe for concurrent use.
type Cleaner struct {
	cfg        Config
	vision     VisionConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCleaner builds a Cleaner. A nil httpClient falls back to a plain client
// (vision calls set per-request deadlines); a nil logger falls back to
// slog.Default().
func NewCleaner(cfg Config, vision VisionConfig, httpClient *http.Client, logger *slog.Logger) *Cleaner {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Cleaner{cfg: cfg, vision: vision, httpClient: httpClient, logger: logger}
}

// CleanDocument cleans one Markdown document. The asset list ties image
// links to files on disk for the figure rewriter. The rule order is fixed:
// figure rewrite, placeholder removal, HTML strip, control characters, page
// numbers, watermark, blank-line collapse, trim.
func (c *Cleaner) CleanDocument(ctx context.Context, text string, assets []mineru.Asset) (string, Stats) {
	stats := Stats{
		OriginalLen:  utf8.RuneCountInString(text),
		CleanedLen:   utf8.RuneCountInString(text),
		ImageSummary: ImageStats{Enabled: c.vision.Enabled},
	}

	if !c.cfg.Enabled || text == "" {
		return text, stats
	}

	original := text

	rewritten, inserted, imageStats := c.rewriteImageSummaries(ctx, text, assets)
	stats.ImageSummary = imageStats

	if inserted > 0 {
		stats.Rules = append(stats.Rules, RuleStat{
			Name:  "rewrite_image_summaries",
			Delta: utf8.RuneCountInString(rewritten) - utf8.RuneCountInString(text),
		})
	}

	text = rewritten

	apply := func(name string, fn func(string) string) {
		before := utf8.RuneCountInString(text)
		text = fn(text)
		stats.Rules = append(stats.Rules, RuleStat{Name: name, Delta: utf8.RuneCountInString(text) - before})
	}

	if c.cfg.RemoveImagePlaceholders {
		apply("remove_image_placeholders", removeImagePlaceholders)
	}

	if c.cfg.StripHTML {
		apply("strip_html", stripHTMLTags)
	}

	if c.cfg.RemoveControlChars {
		apply("remove_control_chars", removeControlChars)
	}

	if c.cfg.RemovePageNumbers {
		apply("remove_page_numbers", removePageNumbers)
	}

	if c.cfg.RemoveWatermark && c.cfg.WatermarkPatterns != "" {
		apply("remove_watermark", func(s string) string {
			return c.removeWatermarks(s, c.cfg.WatermarkPatterns)
		})
	}

	if c.cfg.CollapseBlankLines {
		apply("collapse_blank_lines", collapseBlankLines)
	}

	cleaned := strings.TrimSpace(text)
	cleanedLen := utf8.RuneCountInString(cleaned)

	if cleanedLen < minCleanedLength && stats.OriginalLen >= minCleanedLength {
		c.logger.Warn("cleaned markdown too short, keeping original",
			slog.Int("cleaned_len", cleanedLen),
			slog.Int("original_len", stats.OriginalLen))

		stats.Rules = append(stats.Rules, RuleStat{
			Name:  "fallback_to_original",
			Delta: stats.OriginalLen - cleanedLen,
		})

		cleaned = original
		cleanedLen = stats.OriginalLen
	}

	stats.CleanedLen = cleanedLen

	return cleaned, stats
}

// CleanAll cleans every document and sums the statistics. With the cleaner
// disabled the documents pass through and totals reflect their unchanged
// lengths.
func (c *Cleaner) CleanAll(ctx context.Context, docs []mineru.Document) ([]mineru.Document, Aggregate) {
	agg := Aggregate{
		FileCount:    len(docs),
		ImageSummary: ImageStats{Enabled: c.vision.Enabled},
	}

	if !c.cfg.Enabled {
		total := 0
		for _, d := range docs {
			total += utf8.RuneCountInString(d.Text)
		}

		agg.TotalOriginal = total
		agg.TotalCleaned = total

		return docs, agg
	}

	cleaned := make([]mineru.Document, len(docs))

	for i, doc := range docs {
		text, stats := c.CleanDocument(ctx, doc.Text, doc.Assets)

		doc.Text = text
		cleaned[i] = doc

		agg.TotalOriginal += stats.OriginalLen
		agg.TotalCleaned += stats.CleanedLen
		agg.ImageSummary.add(stats.ImageSummary)
	}

	if agg.TotalOriginal > 0 {
		agg.ReductionPct = (1 - float64(agg.TotalCleaned)/float64(agg.TotalOriginal)) * 100
	}

	return cleaned, agg
}

func collapseBlankLines(text string) string {
	return reBlankLines.ReplaceAllString(text, "\n\n")
}

// stripHTMLTags removes markup while keeping the split marker, which would
// otherwise match the tag pattern.
func stripHTMLTags(text string) string {
	const markerToken = "__MD_SPLIT_MARKER__"

	protected := strings.ReplaceAll(text, splitMarker, markerToken)
	protected = reHTMLTag.ReplaceAllString(protected, "")

	return strings.ReplaceAll(protected, markerToken, splitMarker)
}

func removeControlChars(text string) string {
	return reControlChars.ReplaceAllString(text, "")
}

func removePageNumbers(text string) string {
	return rePageNumber.ReplaceAllString(text, "")
}

// removeImagePlaceholders strips ![alt](dest) occurrences with a scanner
// that honors escapes and nested parentheses; a regex pass catches leftover
// simple forms.
func removeImagePlaceholders(text string) string {
	if text == "" {
		return text
	}

	var b strings.Builder

	b.Grow(len(text))

	for i := 0; i < len(text); {
		if strings.HasPrefix(text[i:], "![") {
			if end := findImageEnd(text, i); end > i {
				i = end

				continue
			}
		}

		b.WriteByte(text[i])
		i++
	}

	return reImagePlaceholder.ReplaceAllString(b.String(), "")
}

// findImageEnd returns the exclusive end index of a Markdown image starting
// at start, or -1 when no well-formed image begins there. Escaped characters
// pass through, newlines abort, and the destination may nest parentheses.
func findImageEnd(text string, start int) int {
	n := len(text)
	i := start + 2

	for i < n {
		ch := text[i]

		if ch == '\\' && i+1 < n {
			i += 2

			continue
		}

		if ch == '\n' {
			return -1
		}

		if ch == ']' {
			break
		}

		i++
	}

	if i >= n || text[i] != ']' {
		return -1
	}

	i++
	for i < n && (text[i] == ' ' || text[i] == '\t') {
		i++
	}

	if i >= n || text[i] != '(' {
		return -1
	}

	depth := 0

	for i < n {
		ch := text[i]

		if ch == '\\' && i+1 < n {
			i += 2

			continue
		}

		if ch == '\n' {
			return -1
		}

		switch ch {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i + 1
			}
		}

		i++
	}

	return -1
}

func (c *Cleaner) removeWatermarks(text, patterns string) string {
	for _, raw := range strings.Split(patterns, ",") {
		pat := strings.TrimSpace(raw)
		if pat == "" {
			continue
		}

		re, err := regexp.Compile(pat)
		if err != nil {
			c.logger.Warn("invalid watermark pattern skipped",
				slog.String("pattern", pat),
				slog.String("error", err.Error()))

			continue
		}

		text = re.ReplaceAllString(text, "")
	}

	return text
}
