package dify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ruleConfig returns upload settings with no dataset name, so no pipeline
// export discovery can interfere with the configured values.
func ruleConfig() Config {
	return Config{
		APIKey:            "test-key-1234",
		ProcessMode:       "custom",
		SegmentSeparator:  "\n\n",
		SegmentMaxTokens:  800,
		ChunkOverlap:      64,
		ParentMode:        "paragraph",
		SubchunkSeparator: "\n",
		SubchunkMaxTokens: 256,
		SubchunkOverlap:   32,
		RemoveExtraSpaces: true,
		RemoveURLsEmails:  false,
	}
}

func TestBuildProcessRule_Automatic(t *testing.T) {
	t.Parallel()

	cfg := ruleConfig()
	cfg.ProcessMode = "  Automatic "

	c := NewClient(cfg, nil, testLogger(t))

	rule := c.buildProcessRule(DocFormText)

	assert.Equal(t, "automatic", rule.Mode)
	assert.Nil(t, rule.Rules)

	data, err := marshalJSON(rule)

	require.NoError(t, err)
	assert.Equal(t, `{"mode":"automatic"}`, string(data))
}

func TestBuildProcessRule_CustomDefaults(t *testing.T) {
	t.Parallel()

	c := NewClient(ruleConfig(), nil, testLogger(t))

	rule := c.buildProcessRule(DocFormText)

	assert.Equal(t, "custom", rule.Mode)
	require.NotNil(t, rule.Rules)

	require.Len(t, rule.Rules.PreProcessingRules, 2)
	assert.Equal(t, preProcessingRule{ID: "remove_extra_spaces", Enabled: true}, rule.Rules.PreProcessingRules[0])
	assert.Equal(t, preProcessingRule{ID: "remove_urls_emails", Enabled: false}, rule.Rules.PreProcessingRules[1])

	assert.Equal(t, segmentation{Separator: "\n\n", MaxTokens: 800, ChunkOverlap: 64}, rule.Rules.Segmentation)
	assert.Empty(t, rule.Rules.ParentMode)
	assert.Nil(t, rule.Rules.SubchunkSegmentation)
}

func TestBuildProcessRule_UnknownModeFallsBackToCustom(t *testing.T) {
	t.Parallel()

	cfg := ruleConfig()
	cfg.ProcessMode = "semantic"

	c := NewClient(cfg, nil, testLogger(t))

	rule := c.buildProcessRule(DocFormText)

	assert.Equal(t, "custom", rule.Mode)
	require.NotNil(t, rule.Rules)
}

func TestBuildProcessRule_HierarchicalAddsParentRules(t *testing.T) {
	t.Parallel()

	c := NewClient(ruleConfig(), nil, testLogger(t))

	rule := c.buildProcessRule(DocFormHierarchical)

	require.NotNil(t, rule.Rules)
	assert.Equal(t, "paragraph", rule.Rules.ParentMode)
	require.NotNil(t, rule.Rules.SubchunkSegmentation)
	assert.Equal(t, segmentation{Separator: "\n", MaxTokens: 256, ChunkOverlap: 32}, *rule.Rules.SubchunkSegmentation)
}

func TestBuildProcessRule_PipelineOverridesApply(t *testing.T) {
	t.Parallel()

	cfg := ruleConfig()
	cfg.PipelineFile = writePipeline(t, t.TempDir(), "export.pipeline", chunkerExportYAML)

	c := NewClient(cfg, nil, testLogger(t))

	rule := c.buildProcessRule(DocFormHierarchical)

	require.NotNil(t, rule.Rules)

	// The export replaces the separator and token counts but the overlap
	// settings only exist in the configuration.
	assert.Equal(t, segmentation{Separator: "\n\n###\n\n", MaxTokens: 1024, ChunkOverlap: 64}, rule.Rules.Segmentation)
	assert.Equal(t, "paragraph", rule.Rules.ParentMode)
	require.NotNil(t, rule.Rules.SubchunkSegmentation)
	assert.Equal(t, segmentation{Separator: "\n", MaxTokens: 256, ChunkOverlap: 32}, *rule.Rules.SubchunkSegmentation)

	require.Len(t, rule.Rules.PreProcessingRules, 2)
	assert.True(t, rule.Rules.PreProcessingRules[0].Enabled)
	assert.False(t, rule.Rules.PreProcessingRules[1].Enabled)
}

func TestBuildProcessRule_JSONShape(t *testing.T) {
	t.Parallel()

	c := NewClient(ruleConfig(), nil, testLogger(t))

	data, err := marshalJSON(c.buildProcessRule(DocFormHierarchical))

	require.NoError(t, err)

	want := `{"mode":"custom","rules":{"pre_processing_rules":[{"id":"remove_extra_spaces","enabled":true},{"id":"remove_urls_emails","enabled":false}],"segmentation":{"separator":"\n\n","max_tokens":800,"chunk_overlap":64},"parent_mode":"paragraph","subchunk_segmentation":{"separator":"\n","max_tokens":256,"chunk_overlap":32}}}`
	assert.Equal(t, want, string(data))
}

func TestBuildProcessRule_TextFormOmitsParentRulesInJSON(t *testing.T) {
	t.Parallel()

	c := NewClient(ruleConfig(), nil, testLogger(t))

	data, err := marshalJSON(c.buildProcessRule(DocFormText))

	require.NoError(t, err)
	assert.NotContains(t, string(data), "parent_mode")
	assert.NotContains(t, string(data), "subchunk_segmentation")
}
