package splitter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectBlocks_GroupsAndDropsPageNumbers(t *testing.T) {
	t.Parallel()

	text := strings.Join([]string{
		"Intro paragraph line one",
		"42",
		"12345",
		"continues here",
		"",
		"# Heading",
		"- a",
		"- b",
		"> quote",
		"| t |",
		"12) ordered",
		"",
		"```",
		"7",
		"code body",
		"```",
	}, "\n")

	blocks := collectBlocks(text)

	want := []string{
		"Intro paragraph line one\n12345\ncontinues here",
		"# Heading",
		"- a\n- b",
		"> quote",
		"| t |",
		"12) ordered",
		"```\ncode body\n```",
	}

	require.Len(t, blocks, len(want))

	for i, block := range want {
		assert.Equal(t, block, blocks[i], "block %d", i)
	}
}

func TestCollectBlocks_EmptyText(t *testing.T) {
	t.Parallel()

	assert.Empty(t, collectBlocks(""))
	assert.Empty(t, collectBlocks("\n\n\n"))
}

func TestMergeCrossPageParagraphs(t *testing.T) {
	t.Parallel()

	blocks := []string{
		"The method continues",
		"with additional steps here.",
		"Second block stays.",
		"第三段落继续没有结束",
		"并且补充了更多细节。",
		"# Heading",
		"tail",
	}

	merged := mergeCrossPageParagraphs(blocks)

	require.Len(t, merged, 5)
	assert.Equal(t, "The method continues with additional steps here.", merged[0])
	assert.Equal(t, "Second block stays.", merged[1])
	assert.Equal(t, "第三段落继续没有结束并且补充了更多细节。", merged[2])
	assert.Equal(t, "# Heading", merged[3])
	assert.Equal(t, "tail", merged[4])
}

func TestMergeCrossPageParagraphs_Empty(t *testing.T) {
	t.Parallel()

	assert.Nil(t, mergeCrossPageParagraphs(nil))
}

func TestShouldMergeParagraph(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		prev string
		curr string
		want bool
	}{
		{name: "lowercase continuation", prev: "no stop here", curr: "and so on", want: true},
		{name: "starter word capitalized", prev: "no stop here", curr: "While the others wait", want: true},
		{name: "cjk starter", prev: "前一段没有结束", curr: "并且还在继续", want: true},
		{name: "period blocks", prev: "Done here.", curr: "and more", want: false},
		{name: "colon blocks", prev: "Ends with colon:", curr: "next part", want: false},
		{name: "heading never merges", prev: "# Title", curr: "lowercase start", want: false},
		{name: "structured prev", prev: "- bullet item", curr: "continuation", want: false},
		{name: "capitalized non starter", prev: "no stop here", curr: "Capitalized start", want: false},
		{name: "empty prev", prev: "", curr: "anything", want: false},
		{name: "structured curr", prev: "plain text", curr: "> quote", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, shouldMergeParagraph(tt.prev, tt.curr))
		})
	}
}

func TestJoinParagraphs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "alpha beta", joinParagraphs("alpha", "beta"))
	assert.Equal(t, "中文继续", joinParagraphs("中文", "继续"))
	assert.Equal(t, "mixed中 text", joinParagraphs("mixed中", "text"))
	assert.Equal(t, "x y", joinParagraphs("x  ", "  y"))
	assert.Equal(t, "solo", joinParagraphs("", "solo"))
	assert.Equal(t, "solo", joinParagraphs("solo", ""))
}
