package runtimecfg

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// fieldPath addresses one schema field by category and key.
type fieldPath struct {
	category string
	key      string
}

// envKeyMap binds recognized .env keys to their schema fields. Import-time
// only; the running process never reads these from the environment.
var envKeyMap = map[string]fieldPath{
	"ZOTERO_MCP_URL":                     {"zotero", "mcp_url"},
	"ZOTERO_COLLECTION_KEYS":             {"zotero", "collection_keys"},
	"ZOTERO_COLLECTION_RECURSIVE":        {"zotero", "collection_recursive"},
	"ZOTERO_COLLECTION_PAGE_SIZE":        {"zotero", "collection_page_size"},
	"MINERU_API_TOKEN":                   {"mineru", "api_token"},
	"MINERU_BASE_URL":                    {"mineru", "base_url"},
	"MINERU_MODEL_VERSION":               {"mineru", "model_version"},
	"POLL_TIMEOUT_MINERU":                {"mineru", "poll_timeout_s"},
	"MINERU_ASSET_OUTPUT_DIR":            {"mineru", "asset_output_dir"},
	"DIFY_API_KEY":                       {"dify", "api_key"},
	"DIFY_BASE_URL":                      {"dify", "base_url"},
	"DIFY_DATASET_NAME":                  {"dify", "dataset_name"},
	"DIFY_PIPELINE_FILE":                 {"dify", "pipeline_file"},
	"DIFY_PROCESS_MODE":                  {"dify", "process_mode"},
	"DIFY_SEGMENT_SEPARATOR":             {"dify", "segment_separator"},
	"DIFY_SEGMENT_MAX_TOKENS":            {"dify", "segment_max_tokens"},
	"DIFY_CHUNK_OVERLAP":                 {"dify", "chunk_overlap"},
	"DIFY_PARENT_MODE":                   {"dify", "parent_mode"},
	"DIFY_SUBCHUNK_SEPARATOR":            {"dify", "subchunk_separator"},
	"DIFY_SUBCHUNK_MAX_TOKENS":           {"dify", "subchunk_max_tokens"},
	"DIFY_SUBCHUNK_OVERLAP":              {"dify", "subchunk_overlap"},
	"DIFY_REMOVE_EXTRA_SPACES":           {"dify", "remove_extra_spaces"},
	"DIFY_REMOVE_URLS_EMAILS":            {"dify", "remove_urls_emails"},
	"DIFY_INDEX_MAX_WAIT_S":              {"dify", "index_max_wait_s"},
	"DIFY_DOC_FORM":                      {"dify", "doc_form"},
	"DIFY_DOC_LANGUAGE":                  {"dify", "doc_language"},
	"DIFY_UPLOAD_DELAY":                  {"dify", "upload_delay"},
	"MD_CLEAN_ENABLED":                   {"md_clean", "enabled"},
	"MD_CLEAN_COLLAPSE_BLANK_LINES":      {"md_clean", "collapse_blank_lines"},
	"MD_CLEAN_STRIP_HTML":                {"md_clean", "strip_html"},
	"MD_CLEAN_REMOVE_CONTROL_CHARS":      {"md_clean", "remove_control_chars"},
	"MD_CLEAN_REMOVE_IMAGE_PLACEHOLDERS": {"md_clean", "remove_image_placeholders"},
	"MD_CLEAN_REMOVE_PAGE_NUMBERS":       {"md_clean", "remove_page_numbers"},
	"MD_CLEAN_REMOVE_WATERMARK":          {"md_clean", "remove_watermark"},
	"MD_CLEAN_WATERMARK_PATTERNS":        {"md_clean", "watermark_patterns"},
	"IMAGE_SUMMARY_ENABLED":              {"image_summary", "enabled"},
	"IMAGE_SUMMARY_API_BASE_URL":         {"image_summary", "api_base_url"},
	"IMAGE_SUMMARY_API_KEY":              {"image_summary", "api_key"},
	"IMAGE_SUMMARY_MODEL":                {"image_summary", "model"},
	"IMAGE_SUMMARY_PROVIDER":             {"image_summary", "provider"},
	"IMAGE_SUMMARY_TIMEOUT_S":            {"image_summary", "request_timeout_s"},
	"IMAGE_SUMMARY_MAX_CONTEXT_CHARS":    {"image_summary", "max_context_chars"},
	"IMAGE_SUMMARY_MAX_IMAGES_PER_DOC":   {"image_summary", "max_images_per_doc"},
	"IMAGE_SUMMARY_MAX_TOKENS":           {"image_summary", "max_tokens"},
	"IMAGE_SUMMARY_TEMPERATURE":          {"image_summary", "temperature"},
	"IMAGE_SUMMARY_CONCURRENCY":          {"image_summary", "concurrency"},
	"SMART_SPLIT_STRATEGY":               {"smart_split", "strategy"},
}

// fieldIndex resolves a fieldPath to its schema field.
var fieldIndex = buildFieldIndex()

func buildFieldIndex() map[fieldPath]*Field {
	idx := make(map[fieldPath]*Field)

	for ci := range categories {
		cat := &categories[ci]
		for fi := range cat.Fields {
			idx[fieldPath{cat.Name, cat.Fields[fi].Key}] = &cat.Fields[fi]
		}
	}

	return idx
}

// parseEnvFile reads KEY=VALUE pairs from a dotenv-style file. Blank lines
// and #-comments are skipped; surrounding single or double quotes on values
// are stripped.
func parseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("runtimecfg: opening env file: %w", err)
	}
	defer f.Close()

	pairs := make(map[string]string)
	scanner := bufio.NewScanner(f)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)

		if key != "" {
			pairs[key] = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("runtimecfg: reading env file: %w", err)
	}

	return pairs, nil
}
