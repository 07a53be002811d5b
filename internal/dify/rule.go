package dify

import (
	"log/slog"
	"strings"
)

// processRule is the segmentation instruction sent with every upload.
type processRule struct {
	Mode  string   `json:"mode"`
	Rules *ruleSet `json:"rules,omitempty"`
}

type ruleSet struct {
	PreProcessingRules   []preProcessingRule `json:"pre_processing_rules"`
	Segmentation         segmentation        `json:"segmentation"`
	ParentMode           string              `json:"parent_mode,omitempty"`
	SubchunkSegmentation *segmentation       `json:"subchunk_segmentation,omitempty"`
}

type preProcessingRule struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

type segmentation struct {
	Separator    string `json:"separator"`
	MaxTokens    int    `json:"max_tokens"`
	ChunkOverlap int    `json:"chunk_overlap"`
}

// buildProcessRule assembles the process rule from the configured
// segmentation settings with pipeline-export overrides on top. Any mode
// other than "automatic" or "custom" downgrades to custom with a warning.
func (c *Client) buildProcessRule(docForm string) processRule {
	mode := strings.ToLower(strings.TrimSpace(c.cfg.ProcessMode))
	if mode == "automatic" {
		return processRule{Mode: "automatic"}
	}

	if mode != "custom" && mode != "" {
		c.logger.Warn("unknown process mode, falling back to custom",
			slog.String("mode", c.cfg.ProcessMode))
	}

	o := c.pipelineOverrides()

	separator := c.cfg.SegmentSeparator
	if o.segmentSeparator != "" {
		separator = o.segmentSeparator
	}

	maxTokens := c.cfg.SegmentMaxTokens
	if o.segmentMaxTokens != nil {
		maxTokens = *o.segmentMaxTokens
	}

	rules := &ruleSet{
		PreProcessingRules: []preProcessingRule{
			{ID: "remove_extra_spaces", Enabled: boolOverride(o.removeExtraSpaces, c.cfg.RemoveExtraSpaces)},
			{ID: "remove_urls_emails", Enabled: boolOverride(o.removeURLsEmails, c.cfg.RemoveURLsEmails)},
		},
		Segmentation: segmentation{
			Separator:    separator,
			MaxTokens:    maxTokens,
			ChunkOverlap: c.cfg.ChunkOverlap,
		},
	}

	// Hierarchical datasets index to zero segments unless the parent and
	// child chunk rules are spelled out.
	if strings.TrimSpace(docForm) == DocFormHierarchical {
		parentMode := c.cfg.ParentMode
		if o.parentMode != "" {
			parentMode = o.parentMode
		}

		subSeparator := c.cfg.SubchunkSeparator
		if o.subchunkSeparator != "" {
			subSeparator = o.subchunkSeparator
		}

		subTokens := c.cfg.SubchunkMaxTokens
		if o.subchunkMaxTokens != nil {
			subTokens = *o.subchunkMaxTokens
		}

		rules.ParentMode = parentMode
		rules.SubchunkSegmentation = &segmentation{
			Separator:    subSeparator,
			MaxTokens:    subTokens,
			ChunkOverlap: c.cfg.SubchunkOverlap,
		}
	}

	return processRule{Mode: "custom", Rules: rules}
}

func boolOverride(override *bool, fallback bool) bool {
	if override != nil {
		return *override
	}

	return fallback
}
