package mdclean

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	defaultVisionBaseURL   = "https://api.openai.com/v1"
	defaultVisionTimeout   = 120 * time.Second
	minVisionTimeout       = 10 * time.Second
	defaultVisionMaxTokens = 900
	minVisionMaxTokens     = 256
	healthProbeTimeout     = 10 * time.Second
	healthChatTimeout      = 15 * time.Second
	maxVisionResponseBytes = 4 << 20
)

const visionSystemPrompt = "You summarize scientific figures conservatively and must not invent values."

var (
	reVersionSuffix = regexp.MustCompile(`/v\d+$`)
	reMaskedKey     = regexp.MustCompile(`^\*{4,}.{4}$`)
	reLeadingFence  = regexp.MustCompile("(?i)^```(?:markdown)?\\s*")
	reTrailingFence = regexp.MustCompile("\\s*```$")
)

// HealthStatus reports whether the vision endpoint is reachable with the
// configured credentials.
type HealthStatus struct {
	Connected bool   `json:"connected"`
	Message   string `json:"message"`
}

func (c *Cleaner) visionTimeout() time.Duration {
	if c.vision.RequestTimeout <= 0 {
		return defaultVisionTimeout
	}

	return max(minVisionTimeout, c.vision.RequestTimeout)
}

func (c *Cleaner) visionMaxTokens() int {
	if c.vision.MaxTokens <= 0 {
		return defaultVisionMaxTokens
	}

	return max(minVisionMaxTokens, c.vision.MaxTokens)
}

func (c *Cleaner) visionMaxContextChars() int {
	if c.vision.MaxContextChars <= 0 {
		return 3000
	}

	return max(500, c.vision.MaxContextChars)
}

func (c *Cleaner) visionConcurrency() int {
	if c.vision.Concurrency <= 0 {
		return 4
	}

	return min(32, c.vision.Concurrency)
}

func (c *Cleaner) visionProvider() string {
	provider := strings.ToLower(strings.TrimSpace(c.vision.Provider))
	if provider != "newapi" {
		return "openai"
	}

	return provider
}

func (c *Cleaner) visionBaseURL() string {
	base := strings.TrimRight(strings.TrimSpace(c.vision.APIBaseURL), "/")
	if base == "" {
		return defaultVisionBaseURL
	}

	return base
}

// visionEndpoints lists candidate chat-completions URLs for the configured
// base. Bases already naming the endpoint or a version prefix get one
// candidate, bare hosts get the versioned form first.
func (c *Cleaner) visionEndpoints() []string {
	base := c.visionBaseURL()

	switch {
	case strings.HasSuffix(base, "/chat/completions"):
		return []string{base}
	case reVersionSuffix.MatchString(base):
		return []string{base + "/chat/completions"}
	default:
		return []string{base + "/v1/chat/completions", base + "/chat/completions"}
	}
}

// callVisionSummary sends the figure image plus harvested context to the
// vision model, trying each candidate endpoint in turn.
func (c *Cleaner) callVisionSummary(ctx context.Context, job summaryJob) (string, error) {
	imageBytes, err := os.ReadFile(job.asset.SavedPath)
	if err != nil {
		return "", fmt.Errorf("reading image: %w", err)
	}

	dataURI := "data:" + guessImageMIME(job.asset.SavedPath) + ";base64," + base64.StdEncoding.EncodeToString(imageBytes)

	payload, err := c.buildVisionPayload(c.buildVisionPrompt(job), dataURI)
	if err != nil {
		return "", fmt.Errorf("building vision payload: %w", err)
	}

	var lastErr error

	for _, endpoint := range c.visionEndpoints() {
		reply, err := c.postVisionRequest(ctx, endpoint, payload, c.visionTimeout())
		if err != nil {
			lastErr = err

			c.logger.Debug("vision endpoint failed",
				slog.String("fig_id", job.figID),
				slog.String("endpoint", endpoint),
				slog.String("error", err.Error()))

			continue
		}

		return reply, nil
	}

	return "", fmt.Errorf("all vision endpoints failed: %w", lastErr)
}

func (c *Cleaner) buildVisionPayload(prompt, imageURL string) ([]byte, error) {
	payload := map[string]any{
		"model":       strings.TrimSpace(c.vision.Model),
		"temperature": c.vision.Temperature,
		"max_tokens":  c.visionMaxTokens(),
		"messages": []any{
			map[string]any{"role": "system", "content": visionSystemPrompt},
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "text", "text": prompt},
					map[string]any{"type": "image_url", "image_url": map[string]any{"url": imageURL}},
				},
			},
		},
	}

	if c.visionProvider() == "newapi" {
		payload["stream"] = false
	}

	for k, v := range c.parseExtraBody() {
		payload[k] = v
	}

	return json.Marshal(payload)
}

// parseExtraBody decodes the configured extra-body JSON object. Anything
// that does not parse as an object is ignored with a warning.
func (c *Cleaner) parseExtraBody() map[string]any {
	text := strings.TrimSpace(c.vision.ExtraBodyJSON)
	if text == "" {
		return nil
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		c.logger.Warn("extra body JSON ignored: not a JSON object",
			slog.String("error", err.Error()))

		return nil
	}

	return data
}

// buildVisionPrompt renders the instruction prompt. The instructions are in
// Chinese to match the product's primary audience; the model is told to keep
// the core conclusion in English and follow the manuscript language for the
// rest.
func (c *Cleaner) buildVisionPrompt(job summaryJob) string {
	maxCtx := c.visionMaxContextChars()

	caption := strings.TrimSpace(job.captionText)
	if caption == "" {
		caption = "未提及"
	}

	nearby := truncateRunes(strings.TrimSpace(job.nearbyText), maxCtx)
	if nearby == "" {
		nearby = "未提及"
	}

	docCtx := truncateRunes(strings.TrimSpace(job.docContext), maxCtx)
	if docCtx == "" {
		docCtx = "未提及"
	}

	languageRule := "English"
	if inferLanguage(caption+"\n"+nearby) == "zh" {
		languageRule = "中文"
	}

	return fmt.Sprintf(`请基于输入文本与图片内容生成可索引图摘要回写块。
必须遵守：
1) 不能从图片中猜测具体曲线点位，仅允许使用输入文本中明确给出的数字。
2) 若只有趋势且无明确数字，输出 value_type=trend_only。
3) 核心结论必须用英文一句话。
4) 除核心结论外，输出语言尽量与输入正文一致（本次建议：%s）。
5) 只输出 Markdown 块，不要解释。

输入：
fig_id: %s
caption_text:
%s

nearby_discussion:
%s

full_parsed_text_context:
%s
`, languageRule, job.figID, caption, nearby, docCtx)
}

func (c *Cleaner) postVisionRequest(ctx context.Context, endpoint string, payload []byte, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating vision request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.vision.APIKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVisionResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading vision response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("vision endpoint returned HTTP %d", resp.StatusCode)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "application/json") {
		head := strings.ReplaceAll(string(body[:min(len(body), 180)]), "\n", `\n`)

		return "", fmt.Errorf("non-JSON vision response (status=%d, content_type=%s, body_head=%s)",
			resp.StatusCode, contentType, head)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("invalid JSON vision response: %w", err)
	}

	if len(parsed.Choices) == 0 {
		return "", nil
	}

	return strings.TrimSpace(decodeMessageContent(parsed.Choices[0].Message.Content)), nil
}

// decodeMessageContent accepts both content shapes the chat API produces: a
// plain string or a list of typed parts whose text entries are joined.
func decodeMessageContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}

	var collected []string

	for _, part := range parts {
		if part.Type == "text" && part.Text != "" {
			collected = append(collected, part.Text)
		}
	}

	return strings.Join(collected, "\n")
}

// normalizeLLMBlock strips code fences from a model reply and guarantees the
// block shape: a fig_id line and surrounding split markers.
func normalizeLLMBlock(blockText, figID string) string {
	cleaned := strings.TrimSpace(blockText)
	if cleaned == "" {
		return ""
	}

	cleaned = reLeadingFence.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(reTrailingFence.ReplaceAllString(cleaned, ""))

	if cleaned == "" {
		return ""
	}

	if !strings.Contains(strings.ToLower(cleaned), "- fig_id:") {
		cleaned = "- fig_id: " + figID + "\n" + cleaned
	}

	if !strings.Contains(cleaned, splitMarker) {
		cleaned = splitMarker + "\n" + cleaned + "\n" + splitMarker
	}

	return cleaned
}

func guessImageMIME(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".bmp":
		return "image/bmp"
	default:
		return "image/png"
	}
}

// CheckVisionConnection probes the configured vision endpoint without
// sending an image. A models listing is tried first; endpoints that do not
// expose one (HTTP 404) get a minimal chat ping instead.
func (c *Cleaner) CheckVisionConnection(ctx context.Context) HealthStatus {
	if !c.vision.Enabled {
		return HealthStatus{Message: "figure summary rewrite is disabled"}
	}

	apiKey := strings.TrimSpace(c.vision.APIKey)
	if apiKey == "" {
		return HealthStatus{Message: "API key is not configured"}
	}

	if reMaskedKey.MatchString(apiKey) {
		return HealthStatus{Message: "API key looks masked, re-enter the real value"}
	}

	model := strings.TrimSpace(c.vision.Model)
	if model == "" {
		return HealthStatus{Message: "model name is not configured"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.visionModelsURL(), nil)
	if err != nil {
		return HealthStatus{Message: fmt.Sprintf("request failed: %v", err)}
	}

	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return HealthStatus{Message: fmt.Sprintf("connection timed out (%s)", healthProbeTimeout)}
		}

		return HealthStatus{Message: fmt.Sprintf("connection failed: %v", err)}
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxVisionResponseBytes))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return HealthStatus{Message: "API key rejected (HTTP 401)"}
	case resp.StatusCode == http.StatusForbidden:
		return HealthStatus{Message: "API key lacks permission (HTTP 403)"}
	case resp.StatusCode == http.StatusNotFound:
		return c.checkVisionViaChat(ctx, model)
	case resp.StatusCode >= 400:
		return HealthStatus{Message: fmt.Sprintf("service error (HTTP %d)", resp.StatusCode)}
	}

	return HealthStatus{Connected: true, Message: fmt.Sprintf("vision service reachable (model=%s)", model)}
}

// visionModelsURL derives the models listing URL from the configured base,
// tolerating bases that already name the chat endpoint.
func (c *Cleaner) visionModelsURL() string {
	base := strings.TrimRight(strings.TrimSuffix(c.visionBaseURL(), "/chat/completions"), "/")

	if reVersionSuffix.MatchString(base) {
		return base + "/models"
	}

	return base + "/v1/models"
}

// checkVisionViaChat sends a one-token chat request for services without a
// models listing. Server errors move on to the next candidate endpoint.
func (c *Cleaner) checkVisionViaChat(ctx context.Context, model string) HealthStatus {
	payload := map[string]any{
		"model":      model,
		"max_tokens": 1,
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
	}

	if c.visionProvider() == "newapi" {
		payload["stream"] = false
	}

	for k, v := range c.parseExtraBody() {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return HealthStatus{Message: fmt.Sprintf("request failed: %v", err)}
	}

	var lastErr error

	for _, endpoint := range c.visionEndpoints() {
		status, done := c.pingChatEndpoint(ctx, endpoint, body, model)
		if done {
			return status
		}

		if status.Message != "" {
			lastErr = errors.New(status.Message)
		}
	}

	if lastErr != nil {
		return HealthStatus{Message: fmt.Sprintf("no endpoint reachable: %v", lastErr)}
	}

	return HealthStatus{Message: "no endpoint reachable"}
}

func (c *Cleaner) pingChatEndpoint(ctx context.Context, endpoint string, body []byte, model string) (HealthStatus, bool) {
	pingCtx, cancel := context.WithTimeout(ctx, healthChatTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pingCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return HealthStatus{Message: err.Error()}, false
	}

	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.vision.APIKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthStatus{Message: err.Error()}, false
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxVisionResponseBytes))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return HealthStatus{Message: "API key rejected (HTTP 401)"}, true
	case resp.StatusCode == http.StatusForbidden:
		return HealthStatus{Message: "API key lacks permission (HTTP 403)"}, true
	case resp.StatusCode >= 500:
		return HealthStatus{Message: fmt.Sprintf("server error (HTTP %d)", resp.StatusCode)}, false
	}

	return HealthStatus{Connected: true, Message: fmt.Sprintf("vision service reachable (model=%s)", model)}, true
}
