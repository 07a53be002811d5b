// Package splitter inserts segmentation markers into OCR-produced Markdown
// and partitions oversized documents into upload-sized parts. Marker
// insertion follows one of two strategies: paragraph_wrap fences every block
// between markers, semantic scores element boundaries and marks only the
// best ones. The upload partitioner runs regardless of strategy and cuts on
// heading lines where it can.
package splitter

import (
	"log/slog"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jadechjin/zotero-mineru-dify/internal/mineru"
)

const (
	strategyParagraphWrap = "paragraph_wrap"
	strategySemantic      = "semantic"

	// hardSplitStepChars is the section size, in runes, above which a
	// document is pre-cut at heading lines before marker insertion.
	hardSplitStepChars = 300_000

	// defaultUploadMaxChars bounds one uploaded document, in runes.
	defaultUploadMaxChars = 300_000
)

// Config tunes marker insertion and the upload partitioner. Zero values for
// the structural fields fall back to the documented defaults; the scoring
// weights are used as given.
type Config struct {
	// Enabled turns marker insertion on or off. The upload partitioner
	// runs either way.
	Enabled bool

	// Strategy picks the insertion algorithm. "paragraph_wrap" fences
	// every block; anything else runs the semantic scorer.
	Strategy string

	// SplitMarker is the marker line inserted between segments. Empty
	// means "<!--split-->".
	SplitMarker string

	// MaxLength and MinLength bound the target segment size in runes.
	MaxLength int
	MinLength int

	MinSplitScore           float64
	HeadingScoreBonus       float64
	SentenceEndScoreBonus   float64
	SentenceIntegrityWeight float64
	LengthScoreFactor       int
	SearchWindow            int
	HeadingAfterPenalty     float64
	ForceSplitBeforeHeading bool
	HeadingCooldownElements int

	// CustomHeadingRegex is a comma-separated list of extra heading
	// patterns, matched from the start of a line.
	CustomHeadingRegex string

	// UploadMaxChars caps one uploaded document in runes. Zero means
	// 300000; the floor is 10000.
	UploadMaxChars int
}

func (c Config) marker() string {
	if c.SplitMarker == "" {
		return "<!--split-->"
	}

	return c.SplitMarker
}

func (c Config) strategyName() string {
	s := strings.ToLower(strings.TrimSpace(c.Strategy))
	if s == "" {
		return strategyParagraphWrap
	}

	return s
}

func (c Config) maxLength() int {
	if c.MaxLength <= 0 {
		return 1200
	}

	return c.MaxLength
}

func (c Config) minLength() int {
	if c.MinLength <= 0 {
		return 300
	}

	return c.MinLength
}

func (c Config) searchWindow() int {
	if c.SearchWindow <= 0 {
		return 5
	}

	return c.SearchWindow
}

func (c Config) lengthFactor() int {
	if c.LengthScoreFactor <= 0 {
		return 100
	}

	return c.LengthScoreFactor
}

func (c Config) cooldownElements() int {
	return max(0, c.HeadingCooldownElements)
}

func (c Config) uploadMaxChars() int {
	v := c.UploadMaxChars
	if v == 0 {
		v = defaultUploadMaxChars
	}

	return max(10_000, v)
}

// Stats describes one document's marker insertion run.
type Stats struct {
	// Strategy is the algorithm that ran, empty when skipped.
	Strategy string

	// Skipped is set when marker insertion is disabled.
	Skipped bool

	// TotalElements counts extracted elements (semantic) or wrapped
	// segments (paragraph_wrap).
	TotalElements int

	// SplitCount counts inserted marker lines.
	SplitCount int

	// SegmentCount counts wrapped blocks, paragraph_wrap only.
	SegmentCount int

	// HardSplitCount counts the oversize pre-cuts at heading lines.
	HardSplitCount int

	// AvgSegmentLength is the mean segment size in runes.
	AvgSegmentLength float64
}

// Aggregate sums marker insertion over a batch of documents.
type Aggregate struct {
	TotalSplits int
	FileCount   int
	Skipped     bool
}

// Splitter applies one configuration to any number of documents. A Splitter
// keeps per-run state (the boundary memo) and must not be shared across
// goroutines.
type Splitter struct {
	cfg      Config
	patterns []*regexp.Regexp
	logger   *slog.Logger
	memo     map[boundaryKey]bool
}

// NewSplitter compiles the heading patterns once and returns a ready
// splitter. A nil logger falls back to slog.Default().
func NewSplitter(cfg Config, logger *slog.Logger) *Splitter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Splitter{
		cfg:      cfg,
		patterns: compileHeadingPatterns(cfg.CustomHeadingRegex, logger),
		logger:   logger,
		memo:     make(map[boundaryKey]bool),
	}
}

// Split inserts segmentation markers into one document. Existing marker
// lines are stripped first so a rerun never doubles them, heading levels are
// normalized, and oversized documents are pre-cut at heading lines before
// the configured strategy runs per section.
func (s *Splitter) Split(text string) (string, Stats) {
	if !s.cfg.Enabled {
		return text, Stats{Skipped: true}
	}

	marker := s.cfg.marker()
	normalized := normalizeHeadingLevels(stripExistingMarkers(text, marker))
	sections, hardSplits := splitTextByHeadingSize(normalized, hardSplitStepChars)

	if s.cfg.strategyName() == strategyParagraphWrap {
		marked, stats := s.paragraphWrapSplit(normalized, sections)
		stats.HardSplitCount = hardSplits

		s.logger.Debug("paragraph wrap complete",
			slog.Int("segments", stats.SegmentCount),
			slog.Int("split_markers", stats.SplitCount),
			slog.Int("hard_splits", hardSplits))

		return marked, stats
	}

	var parts []string

	totalElements := 0
	totalSplits := 0

	for _, section := range sections {
		if strings.TrimSpace(section) == "" {
			continue
		}

		elems := extractElements(section)
		markHeadings(elems, s.patterns)

		points := s.findSplitPoints(elems)
		points = s.refineSplitPoints(elems, points)
		points = mergeHeadingWithBody(elems, points)

		marked, res := renderWithMarkers(section, elems, points, marker)

		parts = append(parts, strings.TrimSpace(marked))
		totalElements += res.totalElements
		totalSplits += res.splitCount
	}

	if len(parts) == 0 {
		return strings.TrimSpace(normalized), Stats{
			Strategy:         strategySemantic,
			HardSplitCount:   hardSplits,
			AvgSegmentLength: float64(utf8.RuneCountInString(normalized)),
		}
	}

	boundarySplits := len(parts) - 1
	marked := joinSectionsWithMarker(parts, marker)
	splitCount := totalSplits + boundarySplits

	stats := Stats{
		Strategy:         strategySemantic,
		TotalElements:    totalElements,
		SplitCount:       splitCount,
		HardSplitCount:   hardSplits,
		AvgSegmentLength: round1(float64(utf8.RuneCountInString(marked)) / float64(max(1, splitCount+1))),
	}

	s.logger.Debug("semantic split complete",
		slog.Int("total_elements", stats.TotalElements),
		slog.Int("split_count", stats.SplitCount),
		slog.Float64("avg_segment_length", stats.AvgSegmentLength),
		slog.Int("hard_splits", hardSplits))

	return marked, stats
}

// SplitAll runs Split over a batch and returns the marked documents in
// order. Disabled configurations pass the batch through untouched.
func (s *Splitter) SplitAll(docs []mineru.Document) ([]mineru.Document, Aggregate) {
	if !s.cfg.Enabled {
		return docs, Aggregate{FileCount: len(docs), Skipped: true}
	}

	out := make([]mineru.Document, len(docs))
	agg := Aggregate{FileCount: len(docs)}

	for i, doc := range docs {
		marked, stats := s.Split(doc.Text)
		doc.Text = marked
		out[i] = doc
		agg.TotalSplits += stats.SplitCount
	}

	return out, agg
}

func (s *Splitter) paragraphWrapSplit(text string, sections []string) (string, Stats) {
	marker := s.cfg.marker()

	var blocks []string

	for _, section := range sections {
		blocks = append(blocks, mergeCrossPageParagraphs(collectBlocks(section))...)
	}

	if len(blocks) == 0 {
		return strings.TrimSpace(text), Stats{
			Strategy:         strategyParagraphWrap,
			AvgSegmentLength: float64(utf8.RuneCountInString(text)),
		}
	}

	wrapped := make([]string, 0, len(blocks))

	for _, block := range blocks {
		if t := strings.TrimSpace(block); t != "" {
			wrapped = append(wrapped, marker+"\n"+t+"\n"+marker)
		}
	}

	marked := strings.TrimSpace(strings.Join(wrapped, "\n\n"))
	segments := len(wrapped)

	return marked, Stats{
		Strategy:         strategyParagraphWrap,
		TotalElements:    segments,
		SplitCount:       segments * 2,
		SegmentCount:     segments,
		AvgSegmentLength: round1(float64(utf8.RuneCountInString(marked)) / float64(max(1, segments))),
	}
}

func stripExistingMarkers(text, marker string) string {
	plain := strings.TrimSpace(marker)
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))

	for _, line := range lines {
		if strings.TrimSpace(line) == plain {
			continue
		}

		kept = append(kept, line)
	}

	return strings.Join(kept, "\n")
}

// joinSectionsWithMarker concatenates section outputs with a marker between
// them, never doubling a marker that already ends or starts a section.
func joinSectionsWithMarker(parts []string, marker string) string {
	cleaned := make([]string, 0, len(parts))

	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			cleaned = append(cleaned, t)
		}
	}

	if len(cleaned) == 0 {
		return ""
	}

	output := cleaned[0]

	for _, part := range cleaned[1:] {
		switch {
		case strings.HasSuffix(output, marker):
			output = output + "\n" + part
		case strings.HasPrefix(part, marker):
			output = output + "\n" + part
		default:
			output = output + "\n" + marker + "\n" + part
		}
	}

	return output
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
