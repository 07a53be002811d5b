package pipeline

import (
	"time"

	"github.com/jadechjin/zotero-mineru-dify/internal/dify"
	"github.com/jadechjin/zotero-mineru-dify/internal/mdclean"
	"github.com/jadechjin/zotero-mineru-dify/internal/mineru"
	"github.com/jadechjin/zotero-mineru-dify/internal/runtimecfg"
	"github.com/jadechjin/zotero-mineru-dify/internal/splitter"
)

// defaultSplitMarker mirrors the splitter's fallback so the forced segment
// separator and the inserted markers always agree.
const defaultSplitMarker = "<!--split-->"

// effectiveSeparator returns the segment separator the upload stage must
// use. With smart split enabled the split marker wins over the configured
// separator, otherwise the knowledge base would re-chunk across the
// boundaries the splitter chose.
func effectiveSeparator(s *runtimecfg.Snapshot) string {
	if !s.SmartSplit.Enabled {
		return s.Dify.SegmentSeparator
	}

	if s.SmartSplit.SplitMarker != "" {
		return s.SmartSplit.SplitMarker
	}

	return defaultSplitMarker
}

func ocrConfig(s *runtimecfg.Snapshot) mineru.Config {
	return mineru.Config{
		BaseURL:        s.MinerU.BaseURL,
		APIToken:       s.MinerU.APIToken,
		ModelVersion:   s.MinerU.ModelVersion,
		PollTimeout:    time.Duration(s.MinerU.PollTimeoutS) * time.Second,
		AssetOutputDir: s.MinerU.AssetOutputDir,
	}
}

func ragConfig(s *runtimecfg.Snapshot) dify.Config {
	return dify.Config{
		BaseURL:           s.Dify.BaseURL,
		APIKey:            s.Dify.APIKey,
		DatasetName:       s.Dify.DatasetName,
		PipelineFile:      s.Dify.PipelineFile,
		ProcessMode:       s.Dify.ProcessMode,
		SegmentSeparator:  effectiveSeparator(s),
		SegmentMaxTokens:  s.Dify.SegmentMaxTokens,
		ChunkOverlap:      s.Dify.ChunkOverlap,
		ParentMode:        s.Dify.ParentMode,
		SubchunkSeparator: s.Dify.SubchunkSeparator,
		SubchunkMaxTokens: s.Dify.SubchunkMaxTokens,
		SubchunkOverlap:   s.Dify.SubchunkOverlap,
		RemoveExtraSpaces: s.Dify.RemoveExtraSpaces,
		RemoveURLsEmails:  s.Dify.RemoveURLsEmails,
		IndexMaxWait:      time.Duration(s.Dify.IndexMaxWaitS) * time.Second,
		DocForm:           s.Dify.DocForm,
		DocLanguage:       s.Dify.DocLanguage,
		UploadDelay:       time.Duration(s.Dify.UploadDelay) * time.Second,
	}
}

func cleanConfig(s *runtimecfg.Snapshot) mdclean.Config {
	return mdclean.Config{
		Enabled:                 s.MDClean.Enabled,
		CollapseBlankLines:      s.MDClean.CollapseBlankLines,
		StripHTML:               s.MDClean.StripHTML,
		RemoveControlChars:      s.MDClean.RemoveControlChars,
		RemoveImagePlaceholders: s.MDClean.RemoveImagePlaceholders,
		RemovePageNumbers:       s.MDClean.RemovePageNumbers,
		RemoveWatermark:         s.MDClean.RemoveWatermark,
		WatermarkPatterns:       s.MDClean.WatermarkPatterns,
	}
}

func visionConfig(s *runtimecfg.Snapshot) mdclean.VisionConfig {
	return mdclean.VisionConfig{
		Enabled:         s.ImageSummary.Enabled,
		APIBaseURL:      s.ImageSummary.APIBaseURL,
		APIKey:          s.ImageSummary.APIKey,
		Model:           s.ImageSummary.Model,
		Provider:        s.ImageSummary.Provider,
		RequestTimeout:  time.Duration(s.ImageSummary.RequestTimeoutS) * time.Second,
		MaxContextChars: s.ImageSummary.MaxContextChars,
		MaxImagesPerDoc: s.ImageSummary.MaxImagesPerDoc,
		MaxTokens:       s.ImageSummary.MaxTokens,
		Temperature:     s.ImageSummary.Temperature,
		Concurrency:     s.ImageSummary.Concurrency,
		ExtraBodyJSON:   s.ImageSummary.ExtraBodyJSON,
	}
}

func splitConfig(s *runtimecfg.Snapshot) splitter.Config {
	return splitter.Config{
		Enabled:                 s.SmartSplit.Enabled,
		Strategy:                s.SmartSplit.Strategy,
		SplitMarker:             s.SmartSplit.SplitMarker,
		MaxLength:               s.SmartSplit.MaxLength,
		MinLength:               s.SmartSplit.MinLength,
		MinSplitScore:           s.SmartSplit.MinSplitScore,
		HeadingScoreBonus:       s.SmartSplit.HeadingScoreBonus,
		SentenceEndScoreBonus:   s.SmartSplit.SentenceEndScoreBonus,
		SentenceIntegrityWeight: s.SmartSplit.SentenceIntegrityWeight,
		LengthScoreFactor:       s.SmartSplit.LengthScoreFactor,
		SearchWindow:            s.SmartSplit.SearchWindow,
		HeadingAfterPenalty:     s.SmartSplit.HeadingAfterPenalty,
		ForceSplitBeforeHeading: s.SmartSplit.ForceSplitBeforeHeading,
		HeadingCooldownElements: s.SmartSplit.HeadingCooldownElements,
		CustomHeadingRegex:      s.SmartSplit.CustomHeadingRegex,
		UploadMaxChars:          s.SmartSplit.UploadMaxChars,
	}
}
