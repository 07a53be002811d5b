package dify

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline exports are YAML files downloaded from the service's pipeline
// editor. When one is present, the chunker settings inside it take
// precedence over the configured segmentation values so a re-ingest matches
// what the published pipeline would produce.

// sharedRefRe matches a reference to a shared pipeline variable, for example
// "{{#rag.shared.parent_length#}}".
var sharedRefRe = regexp.MustCompile(`^\{\{#rag\.shared\.([A-Za-z0-9_]+)#\}\}$`)

// pipelineSuffixes are the copy suffixes browsers append to repeated
// downloads, tried in order during auto-discovery.
var pipelineSuffixes = []string{"", " (1)", " (2)"}

// ruleOverrides carries the chunker settings read from a pipeline export.
// Zero fields leave the configured value in place.
type ruleOverrides struct {
	parentMode        string
	segmentSeparator  string
	segmentMaxTokens  *int
	subchunkSeparator string
	subchunkMaxTokens *int
	removeExtraSpaces *bool
	removeURLsEmails  *bool
}

func (o ruleOverrides) isZero() bool {
	return o == ruleOverrides{}
}

// pipelineOverrides returns the chunker overrides from the pipeline export,
// loading and caching them on first use. Every failure downgrades to the
// configured values.
func (c *Client) pipelineOverrides() ruleOverrides {
	c.overridesOnce.Do(func() {
		path, ok := c.discoverPipelineFile()
		if !ok {
			c.logger.Debug("no pipeline export found, using configured chunk settings")

			return
		}

		overrides, err := parsePipelineExport(path)
		if err != nil {
			c.logger.Warn("pipeline export unreadable, using configured chunk settings",
				slog.String("path", path),
				slog.String("error", err.Error()))

			return
		}

		if overrides.isZero() {
			c.logger.Warn("pipeline export has no chunker settings, using configured chunk settings",
				slog.String("path", path))

			return
		}

		c.overrides = overrides
		c.logger.Info("chunk settings loaded from pipeline export", slog.String("path", path))
	})

	return c.overrides
}

// discoverPipelineFile resolves the pipeline export to use. A configured
// path wins when it exists; otherwise the dataset name plus a download-copy
// suffix is searched in the working directory, next to the executable, and
// in the user's Downloads folder. The newest match wins.
func (c *Client) discoverPipelineFile() (string, bool) {
	if configured := strings.TrimSpace(c.cfg.PipelineFile); configured != "" {
		if fileExists(configured) {
			return configured, true
		}

		c.logger.Warn("configured pipeline export not found", slog.String("path", configured))
	}

	base := strings.TrimSpace(c.cfg.DatasetName)
	if base == "" {
		return "", false
	}

	var dirs []string

	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}

	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}

	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "Downloads"))
	}

	seen := make(map[string]bool)

	var (
		best    string
		bestMod time.Time
	)

	for _, suffix := range pipelineSuffixes {
		name := base + suffix + ".pipeline"

		for _, dir := range dirs {
			path := filepath.Join(dir, name)
			if seen[path] {
				continue
			}

			seen[path] = true

			fi, err := os.Stat(path)
			if err != nil || fi.IsDir() {
				continue
			}

			if best == "" || fi.ModTime().After(bestMod) {
				best = path
				bestMod = fi.ModTime()
			}
		}
	}

	if best == "" {
		return "", false
	}

	return best, true
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)

	return err == nil && !fi.IsDir()
}

// parsePipelineExport reads a pipeline export and extracts its chunker
// settings.
func parsePipelineExport(path string) (ruleOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ruleOverrides{}, fmt.Errorf("dify: read pipeline export: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ruleOverrides{}, fmt.Errorf("dify: parse pipeline export: %w", err)
	}

	return extractRuleOverrides(doc), nil
}

// extractRuleOverrides pulls the parent/child chunker settings out of a
// parsed export. Newer exports carry them as parentchild_chunker tool
// parameters, possibly referencing shared pipeline variables; older exports
// carry only the shared variables under legacy names, which fill any field
// the tool parameters left unset.
func extractRuleOverrides(doc map[string]any) ruleOverrides {
	workflow := subMap(doc, "workflow")
	graph := subMap(workflow, "graph")
	shared := sharedDefaults(workflow["rag_pipeline_variables"])
	params := chunkerParameters(graph["nodes"])

	var o ruleOverrides

	if len(params) > 0 {
		o.parentMode = overrideString(resolveParamValue(params["parent_mode"], shared))
		o.segmentSeparator = overrideString(resolveParamValue(params["separator"], shared))
		o.segmentMaxTokens = parseIntValue(resolveParamValue(params["max_length"], shared))
		o.subchunkSeparator = overrideString(resolveParamValue(params["subchunk_separator"], shared))
		o.subchunkMaxTokens = parseIntValue(resolveParamValue(params["subchunk_max_length"], shared))
		o.removeExtraSpaces = parseBoolValue(resolveParamValue(params["remove_extra_spaces"], shared))
		o.removeURLsEmails = parseBoolValue(resolveParamValue(params["remove_urls_emails"], shared))
	}

	// "parent_dilmiter" is misspelled in the exports themselves.
	if o.parentMode == "" {
		o.parentMode = overrideString(shared["parent_mode"])
	}

	if o.segmentSeparator == "" {
		o.segmentSeparator = overrideString(shared["parent_dilmiter"])
	}

	if o.segmentMaxTokens == nil {
		o.segmentMaxTokens = parseIntValue(shared["parent_length"])
	}

	if o.subchunkSeparator == "" {
		o.subchunkSeparator = overrideString(shared["child_delimiter"])
	}

	if o.subchunkMaxTokens == nil {
		o.subchunkMaxTokens = parseIntValue(shared["child_length"])
	}

	if o.removeExtraSpaces == nil {
		o.removeExtraSpaces = parseBoolValue(shared["clean_1"])
	}

	if o.removeURLsEmails == nil {
		o.removeURLsEmails = parseBoolValue(shared["clean_2"])
	}

	return o
}

// chunkerParameters finds the parentchild_chunker node and returns its tool
// parameters, or nil when the export has none.
func chunkerParameters(nodes any) map[string]any {
	list, _ := nodes.([]any)

	for _, n := range list {
		node, _ := n.(map[string]any)
		if node == nil {
			continue
		}

		data := subMap(node, "data")
		if stringValue(data["tool_name"]) != "parentchild_chunker" {
			continue
		}

		return subMap(data, "tool_parameters")
	}

	return nil
}

// sharedDefaults collects the default values of the shared pipeline
// variables, keyed by variable name.
func sharedDefaults(v any) map[string]any {
	items, _ := v.([]any)
	out := make(map[string]any, len(items))

	for _, it := range items {
		m, _ := it.(map[string]any)
		if m == nil {
			continue
		}

		name := strings.TrimSpace(stringValue(m["variable"]))
		if name == "" {
			continue
		}

		out[name] = m["default_value"]
	}

	return out
}

// resolveParamValue unwraps a tool parameter entry. Entries are usually
// {"value": ...} maps whose value may reference a shared variable.
func resolveParamValue(entry any, shared map[string]any) any {
	m, ok := entry.(map[string]any)
	if !ok {
		return entry
	}

	value := m["value"]

	if s, ok := value.(string); ok {
		if match := sharedRefRe.FindStringSubmatch(strings.TrimSpace(s)); match != nil {
			return shared[match[1]]
		}
	}

	return value
}

func subMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}

	v, _ := m[key].(map[string]any)

	return v
}

func stringValue(v any) string {
	s, _ := v.(string)

	return s
}

// overrideString renders a scalar override value. Nil and empty values mean
// "not set".
func overrideString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// parseIntValue interprets a YAML scalar as an int. Returns nil when the
// value is absent or not a number.
func parseIntValue(v any) *int {
	switch t := v.(type) {
	case int:
		n := t

		return &n
	case int64:
		n := int(t)

		return &n
	case float64:
		n := int(t)

		return &n
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}

		n, err := strconv.Atoi(s)
		if err != nil {
			return nil
		}

		return &n
	default:
		return nil
	}
}

// parseBoolValue interprets a YAML scalar as a bool. Numbers count as their
// truthiness, strings accept the usual on/off spellings. Returns nil for
// anything else.
func parseBoolValue(v any) *bool {
	switch t := v.(type) {
	case bool:
		b := t

		return &b
	case int:
		b := t != 0

		return &b
	case int64:
		b := t != 0

		return &b
	case float64:
		b := t != 0

		return &b
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			b := true

			return &b
		case "0", "false", "no", "off":
			b := false

			return &b
		default:
			return nil
		}
	default:
		return nil
	}
}
