package mineru

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// imageExtensions lists the archive entries kept as image assets.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".bmp":  true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
}

var errNoMarkdown = errors.New("no .md file found in zip")

// Asset is one image extracted from a result archive and saved to disk.
type Asset struct {
	// AssetDir is the per-item directory holding every asset of the file.
	AssetDir string

	// ZipPath is the entry's path inside the archive.
	ZipPath string

	// LinkPath is the path the Markdown references the image by, relative
	// to the Markdown file's directory inside the archive.
	LinkPath string

	// Name is the image's base file name.
	Name string

	// SavedPath is the absolute path the asset was written to.
	SavedPath string
}

// Document is one successfully extracted Markdown document.
type Document struct {
	// TaskKey identifies the source file across the run.
	TaskKey string

	// Text is the extracted Markdown.
	Text string

	// FileName is the name of the original attachment.
	FileName string

	// Assets lists the image assets saved alongside the document.
	Assets []Asset

	// AssetDir is the directory holding the assets, empty without any.
	AssetDir string
}

// DownloadMarkdown fetches the result archive for every finished file and
// extracts its Markdown plus image assets. Per-file problems land in the
// returned failure map keyed by task key; only context cancellation aborts
// the whole pass.
func (c *Client) DownloadMarkdown(ctx context.Context, results []BatchResult) ([]Document, map[string]string, error) {
	var docs []Document

	failures := make(map[string]string)

	for _, r := range results {
		if err := ctx.Err(); err != nil {
			return docs, failures, fmt.Errorf("mineru: download results: %w", err)
		}

		dataID := r.DataID
		if dataID == "" {
			dataID = r.FileName
		}

		if dataID == "" {
			dataID = "unknown"
		}

		fileName := r.FileName
		if fileName == "" {
			fileName = "unknown"
		}

		if r.State == stateFailed {
			reason := r.ErrMsg
			if reason == "" {
				reason = "unknown error"
			}

			failures[dataID] = reason

			c.logger.Warn("extraction failed",
				slog.String("file", fileName),
				slog.String("error", reason))

			continue
		}

		if r.FullZipURL == "" {
			failures[dataID] = "no zip URL in done result"

			c.logger.Warn("result carries no zip url", slog.String("file", fileName))

			continue
		}

		data, err := c.downloadZip(ctx, r.FullZipURL)
		if err != nil {
			failures[dataID] = fmt.Sprintf("zip download error: %v", err)

			c.logger.Error("zip download failed",
				slog.String("file", fileName),
				slog.String("error", err.Error()))

			continue
		}

		text, assets, err := c.extractArchive(data, dataID)
		if err != nil {
			failures[dataID] = err.Error()

			c.logger.Error("zip extraction failed",
				slog.String("file", fileName),
				slog.String("error", err.Error()))

			continue
		}

		assetDir := ""
		if len(assets) > 0 {
			assetDir = assets[0].AssetDir
		}

		docs = append(docs, Document{
			TaskKey:  dataID,
			Text:     text,
			FileName: fileName,
			Assets:   assets,
			AssetDir: assetDir,
		})

		c.logger.Debug("markdown extracted",
			slog.String("file", fileName),
			slog.Int("chars", len(text)),
			slog.Int("assets", len(assets)))
	}

	return docs, failures, nil
}

// downloadZip fetches a result archive from its presigned URL.
func (c *Client) downloadZip(ctx context.Context, zipURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, zipURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	return io.ReadAll(resp.Body)
}

// extractArchive pulls the first Markdown file out of a result archive and
// saves its image assets under the configured asset directory.
func (c *Client) extractArchive(data []byte, dataID string) (string, []Asset, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, fmt.Errorf("zip extract failed: %w", err)
	}

	var (
		mdFile  *zip.File
		entries []*zip.File
	)

	for _, f := range zr.File {
		if f.Name == "" || strings.HasSuffix(f.Name, "/") {
			continue
		}

		entries = append(entries, f)

		if mdFile == nil && strings.HasSuffix(strings.ToLower(f.Name), ".md") {
			mdFile = f
		}
	}

	if mdFile == nil {
		return "", nil, errNoMarkdown
	}

	rc, err := mdFile.Open()
	if err != nil {
		return "", nil, fmt.Errorf("zip extract failed: %w", err)
	}

	raw, err := io.ReadAll(rc)
	rc.Close()

	if err != nil {
		return "", nil, fmt.Errorf("zip extract failed: %w", err)
	}

	return decodeUTF8Lossy(raw), c.extractAssets(entries, mdFile.Name, dataID), nil
}

// extractAssets writes every image entry to the per-item asset directory.
// Individual save failures skip the asset and keep the document usable.
func (c *Client) extractAssets(entries []*zip.File, mdName, dataID string) []Asset {
	var images []*zip.File

	for _, f := range entries {
		if imageExtensions[strings.ToLower(path.Ext(f.Name))] {
			images = append(images, f)
		}
	}

	if len(images) == 0 {
		return nil
	}

	assetRoot, err := filepath.Abs(c.assetOutputDir)
	if err != nil {
		c.logger.Warn("resolving asset output dir failed",
			slog.String("dir", c.assetOutputDir),
			slog.String("error", err.Error()))

		return nil
	}

	targetRoot := filepath.Join(assetRoot, sanitizePathToken(dataID))

	if err := os.MkdirAll(targetRoot, 0o755); err != nil {
		c.logger.Warn("creating asset dir failed",
			slog.String("dir", targetRoot),
			slog.String("error", err.Error()))

		return nil
	}

	mdDir := path.Dir(mdName)

	var assets []Asset

	for _, f := range images {
		asset, err := saveAsset(f, targetRoot, mdDir)
		if err != nil {
			c.logger.Warn("saving image asset failed",
				slog.String("name", f.Name),
				slog.String("error", err.Error()))

			continue
		}

		assets = append(assets, asset)
	}

	if len(assets) > 0 {
		c.logger.Info("image assets kept",
			slog.String("data_id", dataID),
			slog.Int("count", len(assets)),
			slog.String("dir", targetRoot))
	}

	return assets
}

// saveAsset writes one archive entry below targetRoot, refusing entries
// whose normalized path would escape it.
func saveAsset(f *zip.File, targetRoot, mdDir string) (Asset, error) {
	rel := normalizeRelativeZipPath(f.Name)

	savedPath, err := safeJoin(targetRoot, rel)
	if err != nil {
		return Asset{}, err
	}

	if err := os.MkdirAll(filepath.Dir(savedPath), 0o755); err != nil {
		return Asset{}, err
	}

	src, err := f.Open()
	if err != nil {
		return Asset{}, err
	}
	defer src.Close()

	dst, err := os.Create(savedPath)
	if err != nil {
		return Asset{}, err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()

		return Asset{}, err
	}

	if err := dst.Close(); err != nil {
		return Asset{}, err
	}

	linkPath := f.Name
	if relLink, err := filepath.Rel(mdDir, f.Name); err == nil {
		linkPath = filepath.ToSlash(relLink)
	}

	return Asset{
		AssetDir:  targetRoot,
		ZipPath:   f.Name,
		LinkPath:  linkPath,
		Name:      path.Base(f.Name),
		SavedPath: savedPath,
	}, nil
}

// normalizeRelativeZipPath turns an archive entry name into a safe relative
// path: forward slashes, no leading separators, no parent traversal.
func normalizeRelativeZipPath(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))

	normalized := strings.TrimLeft(path.Clean(name), "/")
	for strings.HasPrefix(normalized, "../") {
		normalized = normalized[len("../"):]
	}

	if normalized == "" || normalized == "." || normalized == ".." {
		return "unnamed"
	}

	return normalized
}

// safeJoin joins a relative path onto baseDir and rejects results that land
// outside it.
func safeJoin(baseDir, relativePath string) (string, error) {
	baseAbs, err := filepath.Abs(baseDir)
	if err != nil {
		return "", err
	}

	joined := filepath.Join(baseAbs, filepath.FromSlash(relativePath))
	if joined != baseAbs && !strings.HasPrefix(joined, baseAbs+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal zip path: %s", relativePath)
	}

	return joined, nil
}

// sanitizePathToken reduces an arbitrary identifier to a directory-name-safe
// token. Letters, digits, dash, underscore, and dot survive; everything else
// becomes an underscore.
func sanitizePathToken(text string) string {
	var b strings.Builder

	for _, ch := range text {
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '-' || ch == '_' || ch == '.' {
			b.WriteRune(ch)
		} else {
			b.WriteByte('_')
		}
	}

	cleaned := strings.Trim(b.String(), "._")
	if cleaned == "" {
		return "unknown"
	}

	return cleaned
}

// decodeUTF8Lossy converts raw bytes to a string, replacing invalid UTF-8
// sequences instead of propagating them.
func decodeUTF8Lossy(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}

	return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
}
