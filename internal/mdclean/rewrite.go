package mdclean

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jadechjin/zotero-mineru-dify/internal/mineru"
)

var reFigID = regexp.MustCompile(`(?i)\b(fig(?:ure)?\.?\s*\d+[a-z]?)\b`)

// summaryJob carries everything one figure summary needs: the image line,
// the harvested context, and the resolved asset when the link matched one.
type summaryJob struct {
	jobIdx      int
	lineIdx     int
	figID       string
	captionText string
	nearbyText  string
	docContext  string
	asset       *mineru.Asset
}

type jobResult struct {
	block  string
	source string // ai_success, ai_failed or fallback_only
}

// rewriteImageSummaries inserts a summary block after each image line, up to
// the per-document cap. Lines that already carry a block are skipped, so a
// second pass over the same document inserts nothing.
func (c *Cleaner) rewriteImageSummaries(ctx context.Context, text string, assets []mineru.Asset) (string, int, ImageStats) {
	stats := ImageStats{Enabled: c.vision.Enabled}

	if !c.vision.Enabled {
		return text, 0, stats
	}

	maxImages := c.maxImagesPerDoc()
	if maxImages == 0 {
		return text, 0, stats
	}

	lines := strings.Split(text, "\n")

	jobs := c.collectSummaryJobs(lines, assets, maxImages)
	if len(jobs) == 0 {
		return text, 0, stats
	}

	stats.TotalImages = len(jobs)

	results := c.executeSummaryJobs(ctx, jobs)

	jobsByLine := make(map[int][]int)
	for _, job := range jobs {
		jobsByLine[job.lineIdx] = append(jobsByLine[job.lineIdx], job.jobIdx)
	}

	inserted := 0
	rewritten := make([]string, 0, len(lines)+3*len(jobs))

	for idx, line := range lines {
		rewritten = append(rewritten, line)

		for _, jobIdx := range jobsByLine[idx] {
			res := results[jobIdx]
			if res.block == "" {
				continue
			}

			switch res.source {
			case "ai_success":
				stats.AIAttempted++
				stats.AISucceeded++
			case "ai_failed":
				stats.AIAttempted++
				stats.AIFailed++
				stats.FallbackUsed++
			default:
				stats.FallbackUsed++
			}

			rewritten = append(rewritten, "", res.block, "")
			inserted++
		}
	}

	return strings.Join(rewritten, "\n"), inserted, stats
}

func (c *Cleaner) maxImagesPerDoc() int {
	return max(0, c.vision.MaxImagesPerDoc)
}

func (c *Cleaner) collectSummaryJobs(lines []string, assets []mineru.Asset, maxImages int) []summaryJob {
	index := buildAssetIndex(assets)

	var jobs []summaryJob

	for idx, line := range lines {
		matches := reMDImage.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			continue
		}

		if hasExistingSummary(lines, idx) {
			continue
		}

		docContext := c.collectDocumentContext(lines, idx)

		for _, m := range matches {
			if len(jobs) >= maxImages {
				break
			}

			rawLink := strings.TrimSpace(m[2])
			altText := strings.TrimSpace(m[1])
			caption, nearby := collectImageContext(lines, idx, altText)

			jobs = append(jobs, summaryJob{
				jobIdx:      len(jobs),
				lineIdx:     idx,
				figID:       detectFigID(altText, caption, nearby, rawLink, len(jobs)+1),
				captionText: caption,
				nearbyText:  nearby,
				docContext:  docContext,
				asset:       index.resolve(rawLink),
			})
		}

		if len(jobs) >= maxImages {
			break
		}
	}

	return jobs
}

// executeSummaryJobs runs the jobs, in a bounded pool when more than one job
// and more than one worker are available. Every job produces a result; vision
// failures degrade to the heuristic fallback inside runSummaryJob.
func (c *Cleaner) executeSummaryJobs(ctx context.Context, jobs []summaryJob) map[int]jobResult {
	results := make(map[int]jobResult, len(jobs))
	concurrency := c.visionConcurrency()

	if concurrency <= 1 || len(jobs) <= 1 {
		for _, job := range jobs {
			results[job.jobIdx] = c.runSummaryJob(ctx, job)
		}

		return results
	}

	workers := min(concurrency, len(jobs))

	c.logger.Info("figure summary pool started",
		slog.Int("workers", workers),
		slog.Int("jobs", len(jobs)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)

	g.SetLimit(workers)

	for _, job := range jobs {
		g.Go(func() error {
			res := c.runSummaryJob(ctx, job)

			mu.Lock()
			results[job.jobIdx] = res
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	return results
}

func (c *Cleaner) runSummaryJob(ctx context.Context, job summaryJob) jobResult {
	block, source := c.buildImageSummaryBlock(ctx, job)

	return jobResult{block: block, source: source}
}

// buildImageSummaryBlock prefers an AI summary when the vision model is
// callable and falls back to the heuristic block otherwise. The source tag
// feeds the run statistics.
func (c *Cleaner) buildImageSummaryBlock(ctx context.Context, job summaryJob) (string, string) {
	aiAttempted := c.canCallVision(job.asset)

	if aiAttempted {
		reply, err := c.callVisionSummary(ctx, job)
		if err != nil {
			c.logger.Warn("vision summary request failed",
				slog.String("fig_id", job.figID),
				slog.String("error", err.Error()))
		} else if normalized := normalizeLLMBlock(reply, job.figID); normalized != "" {
			return normalized, "ai_success"
		}
	}

	fallback := buildFallbackBlock(job.figID, job.captionText, job.nearbyText)

	if aiAttempted {
		return fallback, "ai_failed"
	}

	return fallback, "fallback_only"
}

// canCallVision requires a resolved asset saved on disk plus a configured
// key and model.
func (c *Cleaner) canCallVision(asset *mineru.Asset) bool {
	if !c.vision.Enabled || asset == nil || asset.SavedPath == "" {
		return false
	}

	if _, err := os.Stat(asset.SavedPath); err != nil {
		return false
	}

	return strings.TrimSpace(c.vision.APIKey) != "" && strings.TrimSpace(c.vision.Model) != ""
}

// hasExistingSummary reports whether the lines shortly after an image line
// already look like a summary block. The probe stops at the next image.
func hasExistingSummary(lines []string, imageLineIdx int) bool {
	upper := min(len(lines), imageLineIdx+12)

	for idx := imageLineIdx + 1; idx < upper; idx++ {
		probe := strings.TrimSpace(lines[idx])
		if probe == "" {
			continue
		}

		if strings.HasPrefix(probe, "- fig_id:") {
			return true
		}

		if strings.Contains(probe, "provenance_location=") || strings.Contains(probe, "provenance_evidence=") {
			return true
		}

		if reMDImage.MatchString(probe) {
			break
		}
	}

	return false
}

// collectImageContext harvests the caption (alt text plus adjacent lines
// that read like captions) and a window of nearby discussion lines.
func collectImageContext(lines []string, imageLineIdx int, altText string) (string, string) {
	var captionParts []string

	if altText != "" {
		captionParts = append(captionParts, altText)
	}

	if prev := nearestNonEmptyLine(lines, imageLineIdx, -1); prev != "" && looksLikeCaptionLine(prev) {
		captionParts = append(captionParts, prev)
	}

	if next := nearestNonEmptyLine(lines, imageLineIdx, 1); next != "" && looksLikeCaptionLine(next) {
		captionParts = append(captionParts, next)
	}

	seen := make(map[string]bool)

	var captions []string

	for _, part := range captionParts {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}

		seen[part] = true

		captions = append(captions, part)
	}

	var nearby []string

	start := max(0, imageLineIdx-6)
	end := min(len(lines), imageLineIdx+7)

	for idx := start; idx < end; idx++ {
		if idx == imageLineIdx {
			continue
		}

		line := strings.TrimSpace(lines[idx])
		if line == "" || line == splitMarker || reMDImage.MatchString(line) {
			continue
		}

		nearby = append(nearby, line)
	}

	return strings.Join(captions, " "), strings.Join(nearby, "\n")
}

// collectDocumentContext joins up to 50 lines on each side of the image,
// skipping blanks and split markers, truncated to the configured cap.
func (c *Cleaner) collectDocumentContext(lines []string, imageLineIdx int) string {
	start := max(0, imageLineIdx-50)
	end := min(len(lines), imageLineIdx+51)

	var chunks []string

	for idx := start; idx < end; idx++ {
		line := strings.TrimSpace(lines[idx])
		if line == "" || line == splitMarker {
			continue
		}

		chunks = append(chunks, line)
	}

	return truncateRunes(strings.Join(chunks, "\n"), c.visionMaxContextChars())
}

func nearestNonEmptyLine(lines []string, baseIdx, step int) string {
	for idx := baseIdx + step; idx >= 0 && idx < len(lines); idx += step {
		if probe := strings.TrimSpace(lines[idx]); probe != "" {
			return probe
		}
	}

	return ""
}

func looksLikeCaptionLine(line string) bool {
	lowered := strings.ToLower(strings.TrimSpace(line))

	return strings.HasPrefix(lowered, "fig") ||
		strings.HasPrefix(lowered, "图") ||
		strings.Contains(lowered, "fig.") ||
		strings.Contains(lowered, "figure")
}

// detectFigID looks for a figure reference in caption, nearby text, alt text
// and the link, in that order, then falls back to the image file stem and
// finally a serial id.
func detectFigID(altText, captionText, nearbyText, rawLink string, serial int) string {
	for _, source := range []string{captionText, nearbyText, altText, rawLink} {
		if m := reFigID.FindStringSubmatch(source); m != nil {
			id := strings.ReplaceAll(m[1], "Figure", "fig")

			return strings.ReplaceAll(id, "FIGURE", "fig")
		}
	}

	if norm := normalizeImageLink(rawLink); norm != "" {
		base := path.Base(norm)
		if stem := strings.TrimSpace(strings.TrimSuffix(base, path.Ext(base))); stem != "" && stem != "." && stem != "/" {
			return stem
		}
	}

	return fmt.Sprintf("fig_%d", serial)
}

// assetIndex resolves Markdown image links to extracted assets, first by
// normalized link path and then by lowercase file name.
type assetIndex struct {
	byLink map[string]*mineru.Asset
	byName map[string]*mineru.Asset
}

func buildAssetIndex(assets []mineru.Asset) *assetIndex {
	idx := &assetIndex{
		byLink: make(map[string]*mineru.Asset),
		byName: make(map[string]*mineru.Asset),
	}

	for i := range assets {
		asset := &assets[i]

		if linkPath := normalizeImageLink(asset.LinkPath); linkPath != "" {
			idx.byLink[linkPath] = asset
		}

		if zipPath := normalizeImageLink(asset.ZipPath); zipPath != "" {
			if _, ok := idx.byLink[zipPath]; !ok {
				idx.byLink[zipPath] = asset
			}
		}

		fileName := strings.ToLower(strings.TrimSpace(asset.Name))
		if fileName == "" && asset.SavedPath != "" {
			fileName = strings.ToLower(strings.TrimSpace(filepath.Base(asset.SavedPath)))
		}

		if fileName != "" {
			if _, ok := idx.byName[fileName]; !ok {
				idx.byName[fileName] = asset
			}
		}
	}

	return idx
}

func (idx *assetIndex) resolve(rawLink string) *mineru.Asset {
	norm := normalizeImageLink(rawLink)
	if norm == "" {
		return nil
	}

	if asset, ok := idx.byLink[norm]; ok {
		return asset
	}

	if fileName := strings.ToLower(strings.TrimSpace(path.Base(norm))); fileName != "" {
		if asset, ok := idx.byName[fileName]; ok {
			return asset
		}
	}

	return nil
}

// normalizeImageLink canonicalizes a Markdown image destination: angle
// brackets and titles dropped, query and fragment cut, backslashes and
// leading ./ normalized.
func normalizeImageLink(link string) string {
	value := strings.TrimSpace(link)
	if value == "" {
		return ""
	}

	value = strings.Trim(value, "<>")

	lower := strings.ToLower(value)
	if strings.Contains(value, " ") &&
		!strings.HasPrefix(lower, "http://") &&
		!strings.HasPrefix(lower, "https://") &&
		!strings.HasPrefix(lower, "data:") {
		value, _, _ = strings.Cut(value, " ")
	}

	if i := strings.IndexByte(value, '?'); i >= 0 {
		value = value[:i]
	}

	if i := strings.IndexByte(value, '#'); i >= 0 {
		value = value[:i]
	}

	value = strings.ReplaceAll(value, `\`, "/")

	for strings.HasPrefix(value, "./") {
		value = value[2:]
	}

	return value
}
