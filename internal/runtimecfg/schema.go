package runtimecfg

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the wire type of a schema field.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindSelect Kind = "select"
)

// Field describes one configuration value: its wire key, type, default,
// numeric range or select options, and whether it is masked in output.
// The get/set accessors bind the field to its slot in Snapshot so coercion
// stays schema-driven without reflection.
type Field struct {
	Key       string
	Kind      Kind
	Default   any
	Min, Max  float64
	Options   []string
	Sensitive bool

	get func(*Snapshot) any
	set func(*Snapshot, any)
}

// Category groups fields under their wire name.
type Category struct {
	Name   string
	Label  string
	Fields []Field
}

// maskPrefix is the constant prefix masking replaces all but the last four
// characters of a sensitive value with.
const maskPrefix = "******"

// MaskValue masks a sensitive string longer than four characters.
func MaskValue(s string) string {
	if len(s) <= 4 {
		return s
	}

	return maskPrefix + s[len(s)-4:]
}

var categories = []Category{
	{Name: "zotero", Label: "Zotero Bridge", Fields: []Field{
		{
			Key: "mcp_url", Kind: KindString, Default: "http://127.0.0.1:23120/mcp",
			get: func(s *Snapshot) any { return s.Zotero.MCPURL },
			set: func(s *Snapshot, v any) { s.Zotero.MCPURL = v.(string) },
		},
		{
			Key: "collection_keys", Kind: KindString, Default: "",
			get: func(s *Snapshot) any { return s.Zotero.CollectionKeys },
			set: func(s *Snapshot, v any) { s.Zotero.CollectionKeys = v.(string) },
		},
		{
			Key: "collection_recursive", Kind: KindBool, Default: true,
			get: func(s *Snapshot) any { return s.Zotero.CollectionRecursive },
			set: func(s *Snapshot, v any) { s.Zotero.CollectionRecursive = v.(bool) },
		},
		{
			Key: "collection_page_size", Kind: KindInt, Default: 50, Min: 1, Max: 500,
			get: func(s *Snapshot) any { return s.Zotero.CollectionPageSize },
			set: func(s *Snapshot, v any) { s.Zotero.CollectionPageSize = v.(int) },
		},
	}},
	{Name: "mineru", Label: "MinerU OCR", Fields: []Field{
		{
			Key: "api_token", Kind: KindString, Default: "", Sensitive: true,
			get: func(s *Snapshot) any { return s.MinerU.APIToken },
			set: func(s *Snapshot, v any) { s.MinerU.APIToken = v.(string) },
		},
		{
			Key: "base_url", Kind: KindString, Default: "https://mineru.net/api/v4",
			get: func(s *Snapshot) any { return s.MinerU.BaseURL },
			set: func(s *Snapshot, v any) { s.MinerU.BaseURL = v.(string) },
		},
		{
			Key: "model_version", Kind: KindSelect, Default: "vlm", Options: []string{"vlm", "doc"},
			get: func(s *Snapshot) any { return s.MinerU.ModelVersion },
			set: func(s *Snapshot, v any) { s.MinerU.ModelVersion = v.(string) },
		},
		{
			Key: "poll_timeout_s", Kind: KindInt, Default: 7200, Min: 60, Max: 86400,
			get: func(s *Snapshot) any { return s.MinerU.PollTimeoutS },
			set: func(s *Snapshot, v any) { s.MinerU.PollTimeoutS = v.(int) },
		},
		{
			Key: "asset_output_dir", Kind: KindString, Default: "outputs/mineru_assets",
			get: func(s *Snapshot) any { return s.MinerU.AssetOutputDir },
			set: func(s *Snapshot, v any) { s.MinerU.AssetOutputDir = v.(string) },
		},
	}},
	{Name: "dify", Label: "Dify Knowledge Base", Fields: []Field{
		{
			Key: "api_key", Kind: KindString, Default: "", Sensitive: true,
			get: func(s *Snapshot) any { return s.Dify.APIKey },
			set: func(s *Snapshot, v any) { s.Dify.APIKey = v.(string) },
		},
		{
			Key: "base_url", Kind: KindString, Default: "https://api.dify.ai/v1",
			get: func(s *Snapshot) any { return s.Dify.BaseURL },
			set: func(s *Snapshot, v any) { s.Dify.BaseURL = v.(string) },
		},
		{
			Key: "dataset_name", Kind: KindString, Default: "Zotero Literature",
			get: func(s *Snapshot) any { return s.Dify.DatasetName },
			set: func(s *Snapshot, v any) { s.Dify.DatasetName = v.(string) },
		},
		{
			Key: "pipeline_file", Kind: KindString, Default: "",
			get: func(s *Snapshot) any { return s.Dify.PipelineFile },
			set: func(s *Snapshot, v any) { s.Dify.PipelineFile = v.(string) },
		},
		{
			Key: "process_mode", Kind: KindSelect, Default: "custom", Options: []string{"custom", "automatic"},
			get: func(s *Snapshot) any { return s.Dify.ProcessMode },
			set: func(s *Snapshot, v any) { s.Dify.ProcessMode = v.(string) },
		},
		{
			Key: "segment_separator", Kind: KindString, Default: "\n\n",
			get: func(s *Snapshot) any { return s.Dify.SegmentSeparator },
			set: func(s *Snapshot, v any) { s.Dify.SegmentSeparator = v.(string) },
		},
		{
			Key: "segment_max_tokens", Kind: KindInt, Default: 800, Min: 100, Max: 10000,
			get: func(s *Snapshot) any { return s.Dify.SegmentMaxTokens },
			set: func(s *Snapshot, v any) { s.Dify.SegmentMaxTokens = v.(int) },
		},
		{
			Key: "chunk_overlap", Kind: KindInt, Default: 0, Min: 0, Max: 1000,
			get: func(s *Snapshot) any { return s.Dify.ChunkOverlap },
			set: func(s *Snapshot, v any) { s.Dify.ChunkOverlap = v.(int) },
		},
		{
			Key: "parent_mode", Kind: KindString, Default: "paragraph",
			get: func(s *Snapshot) any { return s.Dify.ParentMode },
			set: func(s *Snapshot, v any) { s.Dify.ParentMode = v.(string) },
		},
		{
			Key: "subchunk_separator", Kind: KindString, Default: "\n",
			get: func(s *Snapshot) any { return s.Dify.SubchunkSeparator },
			set: func(s *Snapshot, v any) { s.Dify.SubchunkSeparator = v.(string) },
		},
		{
			Key: "subchunk_max_tokens", Kind: KindInt, Default: 256, Min: 50, Max: 5000,
			get: func(s *Snapshot) any { return s.Dify.SubchunkMaxTokens },
			set: func(s *Snapshot, v any) { s.Dify.SubchunkMaxTokens = v.(int) },
		},
		{
			Key: "subchunk_overlap", Kind: KindInt, Default: 0, Min: 0, Max: 500,
			get: func(s *Snapshot) any { return s.Dify.SubchunkOverlap },
			set: func(s *Snapshot, v any) { s.Dify.SubchunkOverlap = v.(int) },
		},
		{
			Key: "remove_extra_spaces", Kind: KindBool, Default: true,
			get: func(s *Snapshot) any { return s.Dify.RemoveExtraSpaces },
			set: func(s *Snapshot, v any) { s.Dify.RemoveExtraSpaces = v.(bool) },
		},
		{
			Key: "remove_urls_emails", Kind: KindBool, Default: false,
			get: func(s *Snapshot) any { return s.Dify.RemoveURLsEmails },
			set: func(s *Snapshot, v any) { s.Dify.RemoveURLsEmails = v.(bool) },
		},
		{
			Key: "index_max_wait_s", Kind: KindInt, Default: 1800, Min: 60, Max: 7200,
			get: func(s *Snapshot) any { return s.Dify.IndexMaxWaitS },
			set: func(s *Snapshot, v any) { s.Dify.IndexMaxWaitS = v.(int) },
		},
		{
			Key: "doc_form", Kind: KindString, Default: "",
			get: func(s *Snapshot) any { return s.Dify.DocForm },
			set: func(s *Snapshot, v any) { s.Dify.DocForm = v.(string) },
		},
		{
			Key: "doc_language", Kind: KindString, Default: "",
			get: func(s *Snapshot) any { return s.Dify.DocLanguage },
			set: func(s *Snapshot, v any) { s.Dify.DocLanguage = v.(string) },
		},
		{
			Key: "upload_delay", Kind: KindInt, Default: 1, Min: 0, Max: 30,
			get: func(s *Snapshot) any { return s.Dify.UploadDelay },
			set: func(s *Snapshot, v any) { s.Dify.UploadDelay = v.(int) },
		},
	}},
	{Name: "md_clean", Label: "Markdown Cleaning", Fields: []Field{
		{
			Key: "enabled", Kind: KindBool, Default: true,
			get: func(s *Snapshot) any { return s.MDClean.Enabled },
			set: func(s *Snapshot, v any) { s.MDClean.Enabled = v.(bool) },
		},
		{
			Key: "collapse_blank_lines", Kind: KindBool, Default: true,
			get: func(s *Snapshot) any { return s.MDClean.CollapseBlankLines },
			set: func(s *Snapshot, v any) { s.MDClean.CollapseBlankLines = v.(bool) },
		},
		{
			Key: "strip_html", Kind: KindBool, Default: true,
			get: func(s *Snapshot) any { return s.MDClean.StripHTML },
			set: func(s *Snapshot, v any) { s.MDClean.StripHTML = v.(bool) },
		},
		{
			Key: "remove_control_chars", Kind: KindBool, Default: true,
			get: func(s *Snapshot) any { return s.MDClean.RemoveControlChars },
			set: func(s *Snapshot, v any) { s.MDClean.RemoveControlChars = v.(bool) },
		},
		{
			Key: "remove_image_placeholders", Kind: KindBool, Default: true,
			get: func(s *Snapshot) any { return s.MDClean.RemoveImagePlaceholders },
			set: func(s *Snapshot, v any) { s.MDClean.RemoveImagePlaceholders = v.(bool) },
		},
		{
			Key: "remove_page_numbers", Kind: KindBool, Default: false,
			get: func(s *Snapshot) any { return s.MDClean.RemovePageNumbers },
			set: func(s *Snapshot, v any) { s.MDClean.RemovePageNumbers = v.(bool) },
		},
		{
			Key: "remove_watermark", Kind: KindBool, Default: false,
			get: func(s *Snapshot) any { return s.MDClean.RemoveWatermark },
			set: func(s *Snapshot, v any) { s.MDClean.RemoveWatermark = v.(bool) },
		},
		{
			Key: "watermark_patterns", Kind: KindString, Default: "",
			get: func(s *Snapshot) any { return s.MDClean.WatermarkPatterns },
			set: func(s *Snapshot, v any) { s.MDClean.WatermarkPatterns = v.(string) },
		},
	}},
	{Name: "image_summary", Label: "Figure Summaries", Fields: []Field{
		{
			Key: "enabled", Kind: KindBool, Default: true,
			get: func(s *Snapshot) any { return s.ImageSummary.Enabled },
			set: func(s *Snapshot, v any) { s.ImageSummary.Enabled = v.(bool) },
		},
		{
			Key: "api_base_url", Kind: KindString, Default: "https://api.openai.com/v1",
			get: func(s *Snapshot) any { return s.ImageSummary.APIBaseURL },
			set: func(s *Snapshot, v any) { s.ImageSummary.APIBaseURL = v.(string) },
		},
		{
			Key: "api_key", Kind: KindString, Default: "", Sensitive: true,
			get: func(s *Snapshot) any { return s.ImageSummary.APIKey },
			set: func(s *Snapshot, v any) { s.ImageSummary.APIKey = v.(string) },
		},
		{
			Key: "model", Kind: KindString, Default: "gpt-4.1-mini",
			get: func(s *Snapshot) any { return s.ImageSummary.Model },
			set: func(s *Snapshot, v any) { s.ImageSummary.Model = v.(string) },
		},
		{
			Key: "provider", Kind: KindSelect, Default: "openai", Options: []string{"openai", "newapi"},
			get: func(s *Snapshot) any { return s.ImageSummary.Provider },
			set: func(s *Snapshot, v any) { s.ImageSummary.Provider = v.(string) },
		},
		{
			Key: "request_timeout_s", Kind: KindInt, Default: 120, Min: 10, Max: 600,
			get: func(s *Snapshot) any { return s.ImageSummary.RequestTimeoutS },
			set: func(s *Snapshot, v any) { s.ImageSummary.RequestTimeoutS = v.(int) },
		},
		{
			Key: "max_context_chars", Kind: KindInt, Default: 3000, Min: 500, Max: 20000,
			get: func(s *Snapshot) any { return s.ImageSummary.MaxContextChars },
			set: func(s *Snapshot, v any) { s.ImageSummary.MaxContextChars = v.(int) },
		},
		{
			Key: "max_images_per_doc", Kind: KindInt, Default: 50, Min: 0, Max: 500,
			get: func(s *Snapshot) any { return s.ImageSummary.MaxImagesPerDoc },
			set: func(s *Snapshot, v any) { s.ImageSummary.MaxImagesPerDoc = v.(int) },
		},
		{
			Key: "max_tokens", Kind: KindInt, Default: 900, Min: 128, Max: 4000,
			get: func(s *Snapshot) any { return s.ImageSummary.MaxTokens },
			set: func(s *Snapshot, v any) { s.ImageSummary.MaxTokens = v.(int) },
		},
		{
			Key: "temperature", Kind: KindFloat, Default: 0.1, Min: 0, Max: 2,
			get: func(s *Snapshot) any { return s.ImageSummary.Temperature },
			set: func(s *Snapshot, v any) { s.ImageSummary.Temperature = v.(float64) },
		},
		{
			Key: "concurrency", Kind: KindInt, Default: 4, Min: 1, Max: 32,
			get: func(s *Snapshot) any { return s.ImageSummary.Concurrency },
			set: func(s *Snapshot, v any) { s.ImageSummary.Concurrency = v.(int) },
		},
		{
			Key: "extra_body_json", Kind: KindString, Default: "",
			get: func(s *Snapshot) any { return s.ImageSummary.ExtraBodyJSON },
			set: func(s *Snapshot, v any) { s.ImageSummary.ExtraBodyJSON = v.(string) },
		},
	}},
	{Name: "smart_split", Label: "Smart Split", Fields: []Field{
		{
			Key: "enabled", Kind: KindBool, Default: true,
			get: func(s *Snapshot) any { return s.SmartSplit.Enabled },
			set: func(s *Snapshot, v any) { s.SmartSplit.Enabled = v.(bool) },
		},
		{
			Key: "strategy", Kind: KindSelect, Default: "paragraph_wrap", Options: []string{"paragraph_wrap", "semantic"},
			get: func(s *Snapshot) any { return s.SmartSplit.Strategy },
			set: func(s *Snapshot, v any) { s.SmartSplit.Strategy = v.(string) },
		},
		{
			Key: "split_marker", Kind: KindString, Default: "<!--split-->",
			get: func(s *Snapshot) any { return s.SmartSplit.SplitMarker },
			set: func(s *Snapshot, v any) { s.SmartSplit.SplitMarker = v.(string) },
		},
		{
			Key: "max_length", Kind: KindInt, Default: 1200, Min: 200, Max: 10000,
			get: func(s *Snapshot) any { return s.SmartSplit.MaxLength },
			set: func(s *Snapshot, v any) { s.SmartSplit.MaxLength = v.(int) },
		},
		{
			Key: "min_length", Kind: KindInt, Default: 300, Min: 50, Max: 5000,
			get: func(s *Snapshot) any { return s.SmartSplit.MinLength },
			set: func(s *Snapshot, v any) { s.SmartSplit.MinLength = v.(int) },
		},
		{
			Key: "min_split_score", Kind: KindFloat, Default: 7.0, Min: 0, Max: 50,
			get: func(s *Snapshot) any { return s.SmartSplit.MinSplitScore },
			set: func(s *Snapshot, v any) { s.SmartSplit.MinSplitScore = v.(float64) },
		},
		{
			Key: "heading_score_bonus", Kind: KindFloat, Default: 10.0, Min: 0, Max: 50,
			get: func(s *Snapshot) any { return s.SmartSplit.HeadingScoreBonus },
			set: func(s *Snapshot, v any) { s.SmartSplit.HeadingScoreBonus = v.(float64) },
		},
		{
			Key: "sentence_end_score_bonus", Kind: KindFloat, Default: 6.0, Min: 0, Max: 50,
			get: func(s *Snapshot) any { return s.SmartSplit.SentenceEndScoreBonus },
			set: func(s *Snapshot, v any) { s.SmartSplit.SentenceEndScoreBonus = v.(float64) },
		},
		{
			Key: "sentence_integrity_weight", Kind: KindFloat, Default: 8.0, Min: 0, Max: 50,
			get: func(s *Snapshot) any { return s.SmartSplit.SentenceIntegrityWeight },
			set: func(s *Snapshot, v any) { s.SmartSplit.SentenceIntegrityWeight = v.(float64) },
		},
		{
			Key: "length_score_factor", Kind: KindInt, Default: 100, Min: 1, Max: 1000,
			get: func(s *Snapshot) any { return s.SmartSplit.LengthScoreFactor },
			set: func(s *Snapshot, v any) { s.SmartSplit.LengthScoreFactor = v.(int) },
		},
		{
			Key: "search_window", Kind: KindInt, Default: 5, Min: 1, Max: 20,
			get: func(s *Snapshot) any { return s.SmartSplit.SearchWindow },
			set: func(s *Snapshot, v any) { s.SmartSplit.SearchWindow = v.(int) },
		},
		{
			Key: "heading_after_penalty", Kind: KindFloat, Default: 12.0, Min: 0, Max: 50,
			get: func(s *Snapshot) any { return s.SmartSplit.HeadingAfterPenalty },
			set: func(s *Snapshot, v any) { s.SmartSplit.HeadingAfterPenalty = v.(float64) },
		},
		{
			Key: "force_split_before_heading", Kind: KindBool, Default: true,
			get: func(s *Snapshot) any { return s.SmartSplit.ForceSplitBeforeHeading },
			set: func(s *Snapshot, v any) { s.SmartSplit.ForceSplitBeforeHeading = v.(bool) },
		},
		{
			Key: "heading_cooldown_elements", Kind: KindInt, Default: 2, Min: 0, Max: 10,
			get: func(s *Snapshot) any { return s.SmartSplit.HeadingCooldownElements },
			set: func(s *Snapshot, v any) { s.SmartSplit.HeadingCooldownElements = v.(int) },
		},
		{
			Key: "custom_heading_regex", Kind: KindString, Default: "",
			get: func(s *Snapshot) any { return s.SmartSplit.CustomHeadingRegex },
			set: func(s *Snapshot, v any) { s.SmartSplit.CustomHeadingRegex = v.(string) },
		},
		{
			Key: "upload_max_chars", Kind: KindInt, Default: 300000, Min: 10000, Max: 2000000,
			get: func(s *Snapshot) any { return s.SmartSplit.UploadMaxChars },
			set: func(s *Snapshot, v any) { s.SmartSplit.UploadMaxChars = v.(int) },
		},
	}},
}

// coerce converts an arbitrary JSON value to the field's Go type. Nil and
// empty strings fall back to the default; unparsable numerics fall back to
// the default; out-of-range numerics clamp; unknown select options fall
// back to the default.
func (f Field) coerce(v any) any {
	if v == nil {
		return f.Default
	}

	if s, ok := v.(string); ok && s == "" {
		return f.Default
	}

	switch f.Kind {
	case KindBool:
		return coerceBool(v)
	case KindInt:
		iv, ok := coerceInt(v)
		if !ok {
			return f.Default
		}

		return clampInt(iv, int(f.Min), int(f.Max))
	case KindFloat:
		fv, ok := coerceFloat(v)
		if !ok {
			return f.Default
		}

		return clampFloat(fv, f.Min, f.Max)
	case KindSelect:
		s := asString(v)
		for _, opt := range f.Options {
			if s == opt {
				return s
			}
		}

		return f.Default
	default:
		return asString(v)
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprintf("%v", v)
}

func coerceBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}

	switch strings.ToLower(strings.TrimSpace(asString(v))) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func coerceInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		iv, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}

		return iv, true
	default:
		return 0, false
	}
}

func coerceFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		fv, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}

		return fv, true
	default:
		return 0, false
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}

// snapshotData serializes a snapshot to the category -> key -> value shape
// persisted on disk and served over HTTP.
func snapshotData(s *Snapshot) map[string]map[string]any {
	out := make(map[string]map[string]any, len(categories))

	for _, cat := range categories {
		m := make(map[string]any, len(cat.Fields))
		for _, f := range cat.Fields {
			m[f.Key] = f.get(s)
		}

		out[cat.Name] = m
	}

	return out
}

// maskedData is snapshotData with sensitive string values masked.
func maskedData(s *Snapshot) map[string]map[string]any {
	out := snapshotData(s)

	for _, cat := range categories {
		for _, f := range cat.Fields {
			if !f.Sensitive {
				continue
			}

			if v, ok := out[cat.Name][f.Key].(string); ok {
				out[cat.Name][f.Key] = MaskValue(v)
			}
		}
	}

	return out
}

// overlayData applies known keys from data onto the snapshot, coercing each
// value. Unknown categories and keys are ignored.
func overlayData(s *Snapshot, data map[string]map[string]any) {
	for _, cat := range categories {
		fields, ok := data[cat.Name]
		if !ok {
			continue
		}

		for _, f := range cat.Fields {
			if v, ok := fields[f.Key]; ok {
				f.set(s, f.coerce(v))
			}
		}
	}
}

// SchemaField is the wire description of one field.
type SchemaField struct {
	Key       string   `json:"key"`
	Type      Kind     `json:"type"`
	Default   any      `json:"default"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Options   []string `json:"options,omitempty"`
	Sensitive bool     `json:"sensitive"`
}

// Schema returns the wire description of every category's fields.
func Schema() map[string][]SchemaField {
	out := make(map[string][]SchemaField, len(categories))

	for _, cat := range categories {
		fields := make([]SchemaField, 0, len(cat.Fields))

		for _, f := range cat.Fields {
			sf := SchemaField{
				Key:       f.Key,
				Type:      f.Kind,
				Default:   f.Default,
				Options:   f.Options,
				Sensitive: f.Sensitive,
			}

			if f.Kind == KindInt || f.Kind == KindFloat {
				lo, hi := f.Min, f.Max
				sf.Min, sf.Max = &lo, &hi
			}

			fields = append(fields, sf)
		}

		out[cat.Name] = fields
	}

	return out
}

// CategoryLabels returns the display label per category name.
func CategoryLabels() map[string]string {
	out := make(map[string]string, len(categories))
	for _, cat := range categories {
		out[cat.Name] = cat.Label
	}

	return out
}
