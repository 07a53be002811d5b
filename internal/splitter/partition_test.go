package splitter

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jadechjin/zotero-mineru-dify/internal/mineru"
)

func TestPartitionForUpload_PassesSmallDocumentsThrough(t *testing.T) {
	t.Parallel()

	s := newTestSplitter(t, testConfig())

	docs := []mineru.Document{
		{TaskKey: "k1", FileName: "a.md", Text: "## 2.1 Setup\n### 2.1.1 Inner\n\nbody."},
	}

	out, stats := s.PartitionForUpload(docs)

	require.Len(t, out, 1)
	assert.Equal(t, "k1", out[0].TaskKey)
	assert.Equal(t, "a.md", out[0].FileName)
	assert.True(t, strings.HasPrefix(out[0].Text, "# 2.1 Setup\nInner"))
	assert.Empty(t, out[0].ParentTaskKey)
	assert.Zero(t, out[0].PartIndex)
	assert.Zero(t, out[0].PartTotal)

	assert.Equal(t, 300_000, stats.MaxChars)
	assert.Equal(t, 1, stats.SourceFiles)
	assert.Equal(t, 1, stats.OutputDocs)
	assert.Equal(t, 1, stats.TotalParts)
	assert.Zero(t, stats.SplitSourceFiles)
	assert.Zero(t, stats.HeadingCuts)
	assert.Zero(t, stats.HardCuts)
}

func TestPartitionForUpload_SplitsAtHeadings(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.UploadMaxChars = 10_000

	s := newTestSplitter(t, cfg)

	bodyLine := strings.Repeat("b", 99) + "\n"
	tailLine := strings.Repeat("c", 99) + "\n"
	text := "# Alpha\n" + strings.Repeat(bodyLine, 150) + "# Beta\n" + strings.Repeat(tailLine, 150)

	docs := []mineru.Document{{TaskKey: "doc1", FileName: "paper.md", Text: text}}

	out, stats := s.PartitionForUpload(docs)

	require.Len(t, out, 4)
	assert.Equal(t, 1, stats.HeadingCuts)
	assert.Equal(t, 2, stats.HardCuts)
	assert.Equal(t, 1, stats.SplitSourceFiles)
	assert.Equal(t, 4, stats.TotalParts)
	assert.Equal(t, 4, stats.OutputDocs)

	for i, doc := range out {
		assert.LessOrEqual(t, utf8.RuneCountInString(doc.Text), 10_000, "part %d", i)
		assert.Equal(t, "paper.md", doc.SourceFileName)
		assert.Equal(t, "doc1", doc.ParentTaskKey)
		assert.Equal(t, i+1, doc.PartIndex)
		assert.Equal(t, 4, doc.PartTotal)
	}

	assert.Equal(t, "doc1#part1", out[0].TaskKey)
	assert.Equal(t, "doc1#part4", out[3].TaskKey)
	assert.Equal(t, "paper.part1of4.md", out[0].FileName)
	assert.Equal(t, "paper.part3of4.md", out[2].FileName)

	// The third part opens on the heading the cut landed on.
	assert.True(t, strings.HasPrefix(out[2].Text, "# Beta"))
}

func TestPartitionForUpload_SlicesGiantLine(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.UploadMaxChars = 10_000

	s := newTestSplitter(t, cfg)

	docs := []mineru.Document{{TaskKey: "giant", Text: strings.Repeat("x", 25_000)}}

	out, stats := s.PartitionForUpload(docs)

	require.Len(t, out, 3)
	assert.Zero(t, stats.HeadingCuts)
	assert.Equal(t, 4, stats.HardCuts)

	assert.Equal(t, 10_000, utf8.RuneCountInString(out[0].Text))
	assert.Equal(t, 10_000, utf8.RuneCountInString(out[1].Text))
	assert.Equal(t, 5_000, utf8.RuneCountInString(out[2].Text))

	// Empty file names fall back to the task key.
	assert.Equal(t, "giant.part1of3.md", out[0].FileName)
	assert.Equal(t, "giant", out[0].SourceFileName)
}

func TestPartitionForUpload_SlicesOnRuneBoundaries(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.UploadMaxChars = 10_000

	s := newTestSplitter(t, cfg)

	docs := []mineru.Document{{TaskKey: "cjk", FileName: "cjk.md", Text: strings.Repeat("汉", 15_000)}}

	out, _ := s.PartitionForUpload(docs)

	require.Len(t, out, 2)

	for i, doc := range out {
		assert.True(t, utf8.ValidString(doc.Text), "part %d", i)
	}

	assert.Equal(t, 10_000, utf8.RuneCountInString(out[0].Text))
	assert.Equal(t, 5_000, utf8.RuneCountInString(out[1].Text))
}

func TestPartitionForUpload_KeepsSplitMarkers(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.UploadMaxChars = 10_000

	s := newTestSplitter(t, cfg)

	bodyLine := strings.Repeat("b", 99) + "\n"
	text := strings.Repeat(bodyLine, 60) + "<!--split-->\n" + strings.Repeat(bodyLine, 60)

	docs := []mineru.Document{{TaskKey: "marked", FileName: "m.md", Text: text}}

	out, _ := s.PartitionForUpload(docs)

	require.Len(t, out, 2)

	total := 0
	for _, doc := range out {
		total += strings.Count(doc.Text, "<!--split-->")
	}

	assert.Equal(t, 1, total)
	assert.Contains(t, out[0].Text, "<!--split-->")
}

func TestBuildPartFileName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fileName string
		index    int
		total    int
		want     string
	}{
		{fileName: "paper.pdf", index: 1, total: 3, want: "paper.part1of3.pdf"},
		{fileName: "archive.tar.gz", index: 1, total: 2, want: "archive.tar.part1of2.gz"},
		{fileName: "noext", index: 2, total: 2, want: "noext.part2of2.md"},
		{fileName: "", index: 1, total: 2, want: "document.part1of2.md"},
		{fileName: ".hidden", index: 1, total: 2, want: ".part1of2.hidden"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, buildPartFileName(tt.fileName, tt.index, tt.total), "file %q", tt.fileName)
	}
}

func TestLineAtOrBeforeOffset(t *testing.T) {
	t.Parallel()

	offsets := []int{0, 10, 20, 30}

	assert.Equal(t, 1, lineAtOrBeforeOffset(offsets, 15, 0))
	assert.Equal(t, 2, lineAtOrBeforeOffset(offsets, 15, 2))
	assert.Equal(t, 3, lineAtOrBeforeOffset(offsets, 100, 0))
	assert.Equal(t, 0, lineAtOrBeforeOffset(offsets, -5, 0))
	assert.Equal(t, 3, lineAtOrBeforeOffset(offsets, 100, 9))
}

func TestPickDocCutLine(t *testing.T) {
	t.Parallel()

	headings := []headingPos{
		{line: 1, offset: 100},
		{line: 5, offset: 500},
		{line: 9, offset: 900},
	}

	line, ok := pickDocCutLine(headings, 0, 450)
	require.True(t, ok)
	assert.Equal(t, 5, line)

	line, ok = pickDocCutLine(headings, 0, 600)
	require.True(t, ok)
	assert.Equal(t, 5, line)

	// Equal distance prefers the earlier heading.
	line, ok = pickDocCutLine(headings, 0, 700)
	require.True(t, ok)
	assert.Equal(t, 5, line)

	line, ok = pickDocCutLine(headings, 5, 600)
	require.True(t, ok)
	assert.Equal(t, 9, line)

	line, ok = pickDocCutLine(headings, 0, 50)
	require.True(t, ok)
	assert.Equal(t, 1, line)

	_, ok = pickDocCutLine(headings, 9, 1000)
	assert.False(t, ok)
}
