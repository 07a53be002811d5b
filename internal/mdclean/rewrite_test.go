package mdclean

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jadechjin/zotero-mineru-dify/internal/mineru"
)

func fallbackVision() VisionConfig {
	return VisionConfig{Enabled: true, MaxImagesPerDoc: 50, Concurrency: 1}
}

func writeTestImage(t *testing.T) (string, []mineru.Asset) {
	t.Helper()

	imgPath := filepath.Join(t.TempDir(), "fig1.png")
	require.NoError(t, os.WriteFile(imgPath, []byte("png-bytes"), 0o644))

	return imgPath, []mineru.Asset{{
		Name:      "fig1.png",
		LinkPath:  "images/fig1.png",
		SavedPath: imgPath,
	}}
}

func TestCleanDocument_InsertsFallbackBlock(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t, Config{Enabled: true}, fallbackVision())

	text := "Figure 1. Hydrogen evolution over irradiation time.\n" +
		"![fig](images/fig1.png)\n" +
		"The CdS sample rate is higher than the reference at 420 nm."

	cleaned, stats := c.CleanDocument(context.Background(), text, nil)

	assert.Equal(t, 1, stats.ImageSummary.TotalImages)
	assert.Equal(t, 1, stats.ImageSummary.FallbackUsed)
	assert.Zero(t, stats.ImageSummary.AIAttempted)

	assert.Contains(t, cleaned, "- fig_id: fig 1")
	assert.Contains(t, cleaned, "provenance_location=")
	assert.Contains(t, cleaned, "- core_conclusion: ")
	assert.Contains(t, ruleNames(stats), "rewrite_image_summaries")

	lines := strings.Split(cleaned, "\n")
	require.Greater(t, len(lines), 4)
	assert.Equal(t, "![fig](images/fig1.png)", lines[1])
	assert.Equal(t, "", lines[2], "blocks are framed by blank lines")
	assert.Equal(t, splitMarker, lines[3])
}

func TestCleanDocument_RerunInsertsNothing(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t, Config{Enabled: true}, fallbackVision())

	text := "Figure 2. Stability over cycles.\n![fig](images/fig2.png)\nPerformance is stable."

	once, first := c.CleanDocument(context.Background(), text, nil)

	require.Equal(t, 1, first.ImageSummary.TotalImages)

	twice, second := c.CleanDocument(context.Background(), once, nil)

	assert.Equal(t, once, twice)
	assert.Zero(t, second.ImageSummary.TotalImages)
	assert.Equal(t, 1, strings.Count(twice, "- fig_id:"))
}

func TestCleanDocument_CapsImagesPerDocument(t *testing.T) {
	t.Parallel()

	vision := fallbackVision()
	vision.MaxImagesPerDoc = 2

	c := newTestCleaner(t, Config{Enabled: true}, vision)

	text := "![a](a.png)\n\ntext between figures\n\n![b](b.png)\n\nmore text\n\n![c](c.png)"

	cleaned, stats := c.CleanDocument(context.Background(), text, nil)

	assert.Equal(t, 2, stats.ImageSummary.TotalImages)
	assert.Equal(t, 2, strings.Count(cleaned, "- fig_id:"))
}

func TestCleanDocument_ZeroCapDisablesRewrite(t *testing.T) {
	t.Parallel()

	vision := fallbackVision()
	vision.MaxImagesPerDoc = 0

	c := newTestCleaner(t, Config{Enabled: true}, vision)

	text := "![a](a.png)\nsome discussion follows here"

	cleaned, stats := c.CleanDocument(context.Background(), text, nil)

	assert.Equal(t, text, cleaned)
	assert.Zero(t, stats.ImageSummary.TotalImages)
}

func TestCleanDocument_MultipleImagesOnOneLine(t *testing.T) {
	t.Parallel()

	c := newTestCleaner(t, Config{Enabled: true}, fallbackVision())

	text := "![a](x.png) and ![b](y.png)\nboth panels show the measured trend"

	cleaned, stats := c.CleanDocument(context.Background(), text, nil)

	assert.Equal(t, 2, stats.ImageSummary.TotalImages)

	firstID := strings.Index(cleaned, "- fig_id: x")
	secondID := strings.Index(cleaned, "- fig_id: y")

	require.GreaterOrEqual(t, firstID, 0)
	require.GreaterOrEqual(t, secondID, 0)
	assert.Less(t, firstID, secondID, "blocks follow image order on the line")
}

func TestCleanDocument_ParallelFallbacksAreDeterministic(t *testing.T) {
	t.Parallel()

	vision := fallbackVision()
	vision.Concurrency = 8

	c := newTestCleaner(t, Config{Enabled: true}, vision)

	var b strings.Builder
	for i := 1; i <= 6; i++ {
		fmt.Fprintf(&b, "Figure %d. Panel %d result discussion.\n![p%d](img%d.png)\n\n", i, i, i, i)
	}

	text := b.String()

	first, stats := c.CleanDocument(context.Background(), text, nil)

	assert.Equal(t, 6, stats.ImageSummary.TotalImages)
	assert.Equal(t, 6, stats.ImageSummary.FallbackUsed)

	second, _ := c.CleanDocument(context.Background(), text, nil)

	assert.Equal(t, first, second)
}

func TestCleanDocument_AISummarySuccess(t *testing.T) {
	t.Parallel()

	imgPath, assets := writeTestImage(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer vision-key", r.Header.Get("Authorization"))

		var payload struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}

		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		assert.Equal(t, "glm-4v", payload.Model)
		assert.Len(t, payload.Messages, 2)
		assert.Contains(t, string(payload.Messages[1].Content), "base64")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"- fig_id: fig. 1\n- core_conclusion: model written summary"}}]}`)
	}))
	defer srv.Close()

	vision := VisionConfig{
		Enabled:         true,
		APIBaseURL:      srv.URL,
		APIKey:          "vision-key",
		Model:           "glm-4v",
		MaxImagesPerDoc: 50,
		Concurrency:     1,
		RequestTimeout:  10 * time.Second,
	}

	c := NewCleaner(Config{Enabled: true}, vision, srv.Client(), testLogger(t))

	text := "Figure 1. Hydrogen evolution over time.\n![fig](images/fig1.png)\nRates are higher than the reference."

	cleaned, stats := c.CleanDocument(context.Background(), text, assets)

	assert.Equal(t, 1, stats.ImageSummary.AIAttempted)
	assert.Equal(t, 1, stats.ImageSummary.AISucceeded)
	assert.Zero(t, stats.ImageSummary.AIFailed)
	assert.Zero(t, stats.ImageSummary.FallbackUsed)

	assert.Contains(t, cleaned, "model written summary")
	assert.Contains(t, cleaned, splitMarker)
	assert.FileExists(t, imgPath)
}

func TestCleanDocument_AIFailureFallsBack(t *testing.T) {
	t.Parallel()

	_, assets := writeTestImage(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	vision := VisionConfig{
		Enabled:         true,
		APIBaseURL:      srv.URL,
		APIKey:          "vision-key",
		Model:           "glm-4v",
		MaxImagesPerDoc: 50,
		Concurrency:     1,
		RequestTimeout:  10 * time.Second,
	}

	c := NewCleaner(Config{Enabled: true}, vision, srv.Client(), testLogger(t))

	text := "Figure 1. Comparison of samples.\n![fig](images/fig1.png)\nThe result is better than before."

	cleaned, stats := c.CleanDocument(context.Background(), text, assets)

	assert.Equal(t, 1, stats.ImageSummary.AIAttempted)
	assert.Equal(t, 1, stats.ImageSummary.AIFailed)
	assert.Equal(t, 1, stats.ImageSummary.FallbackUsed)
	assert.Zero(t, stats.ImageSummary.AISucceeded)

	assert.Contains(t, cleaned, "provenance_location=")
}

func TestHasExistingSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		lines []string
		want  bool
	}{
		{
			name:  "fig id line after image",
			lines: []string{"![a](a.png)", "", "- fig_id: fig 1"},
			want:  true,
		},
		{
			name:  "provenance line after image",
			lines: []string{"![a](a.png)", "some text", `- provenance_evidence="x"`},
			want:  true,
		},
		{
			name:  "next image stops the probe",
			lines: []string{"![a](a.png)", "![b](b.png)", "- fig_id: fig 1"},
			want:  false,
		},
		{
			name:  "plain discussion",
			lines: []string{"![a](a.png)", "discussion text", "more text"},
			want:  false,
		},
		{
			name: "summary outside the window",
			lines: append([]string{"![a](a.png)"},
				append(make([]string, 12), "- fig_id: fig 1")...),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, hasExistingSummary(tt.lines, 0))
		})
	}
}

func TestDetectFigID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		alt     string
		caption string
		nearby  string
		link    string
		want    string
	}{
		{name: "caption wins", alt: "Fig. 9", caption: "Figure 2 shows the rates", link: "a.png", want: "fig 2"},
		{name: "nearby second", nearby: "as discussed for Fig. 3a earlier", link: "a.png", want: "Fig. 3a"},
		{name: "alt third", alt: "figure 5", link: "a.png", want: "figure 5"},
		{name: "link fourth", link: "figures/fig4.png", want: "fig4"},
		{name: "stem fallback", link: "images/photo.png", want: "photo"},
		{name: "serial fallback", link: "", want: "fig_7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := detectFigID(tt.alt, tt.caption, tt.nearby, tt.link, 7)

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssetIndexResolve(t *testing.T) {
	t.Parallel()

	assets := []mineru.Asset{
		{Name: "fig1.png", LinkPath: "images/fig1.png", ZipPath: "out/images/fig1.png", SavedPath: "/tmp/a/fig1.png"},
		{Name: "fig2.jpeg", LinkPath: "images/fig2.jpeg", SavedPath: "/tmp/a/fig2.jpeg"},
	}

	idx := buildAssetIndex(assets)

	byLink := idx.resolve("./images/fig1.png")
	require.NotNil(t, byLink)
	assert.Equal(t, "fig1.png", byLink.Name)

	byZip := idx.resolve("out/images/fig1.png")
	require.NotNil(t, byZip)
	assert.Equal(t, "fig1.png", byZip.Name)

	byName := idx.resolve("elsewhere/FIG2.JPEG")
	require.NotNil(t, byName)
	assert.Equal(t, "fig2.jpeg", byName.Name)

	assert.Nil(t, idx.resolve("missing.png"))
	assert.Nil(t, idx.resolve(""))
}

func TestNormalizeImageLink(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "images/a.png", want: "images/a.png"},
		{name: "angle brackets", in: "<images/a.png>", want: "images/a.png"},
		{name: "title after space", in: `images/a.png "figure one"`, want: "images/a.png"},
		{name: "query cut", in: "images/a.png?raw=1", want: "images/a.png"},
		{name: "fragment cut", in: "images/a.png#top", want: "images/a.png"},
		{name: "backslashes", in: `images\sub\a.png`, want: "images/sub/a.png"},
		{name: "dot slash stripped", in: "././images/a.png", want: "images/a.png"},
		{name: "http with space kept", in: "https://x.example/a b.png", want: "https://x.example/a b.png"},
		{name: "empty", in: "   ", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, normalizeImageLink(tt.in))
		})
	}
}

func TestCollectImageContext(t *testing.T) {
	t.Parallel()

	lines := []string{
		"Section heading text",
		"Figure 3. Photocatalytic rates of all samples.",
		"![alt text](images/fig3.png)",
		"",
		splitMarker,
		"The rate reaches its maximum at pH 7.",
		"![other](images/fig4.png)",
	}

	caption, nearby := collectImageContext(lines, 2, "alt text")

	assert.Equal(t, "alt text Figure 3. Photocatalytic rates of all samples.", caption)
	assert.Contains(t, nearby, "Section heading text")
	assert.Contains(t, nearby, "The rate reaches its maximum at pH 7.")
	assert.NotContains(t, nearby, splitMarker)
	assert.NotContains(t, nearby, "![other]")
}

func TestCollectDocumentContext_Truncates(t *testing.T) {
	t.Parallel()

	vision := fallbackVision()
	vision.MaxContextChars = 600

	c := newTestCleaner(t, Config{Enabled: true}, vision)

	lines := make([]string, 40)
	for i := range lines {
		lines[i] = strings.Repeat("x", 30)
	}

	got := c.collectDocumentContext(lines, 20)

	assert.LessOrEqual(t, utf8.RuneCountInString(got), 600)
	assert.NotEmpty(t, got)
}
