// Package narrate turns a raw death message into localized narration via an
// OpenAI-compatible chat completions endpoint. Narration is enrichment: every
// failure path degrades to a deterministic fallback instead of blocking the
// death pipeline.
package narrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultTimeout   = 20 * time.Second
	defaultMaxTokens = 200
	temperature      = 0.7

	systemPrompt = "あなたはMinecraftのイベントを解説する面白いナレーターです。"
)

var (
	summaryPattern     = regexp.MustCompile(`要約:\s*(.+)`)
	descriptionPattern = regexp.MustCompile(`説明:\s*(.+)`)
)

// Narration is the generated death commentary.
type Narration struct {
	// Summary is a short cause tag, e.g. "落下死".
	Summary string
	// Description is the longer situational text.
	Description string
}

// Config points the generator at a chat completions endpoint. Leaving any of
// the three fields empty disables generation cleanly.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Generator calls the narration service. The zero-value-from-empty-config
// generator is valid and always reports Enabled() == false.
type Generator struct {
	cfg Config
}

// New builds a generator. Missing endpoint configuration is not an error;
// narration is simply disabled.
func New(cfg Config) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Generator{cfg: cfg}
}

// Enabled reports whether the generator has a complete endpoint configuration.
func (g *Generator) Enabled() bool {
	return g != nil &&
		strings.TrimSpace(g.cfg.BaseURL) != "" &&
		strings.TrimSpace(g.cfg.APIKey) != "" &&
		strings.TrimSpace(g.cfg.Model) != ""
}

// Fallback builds the narration used when generation is disabled or fails.
func Fallback(rawMessage string) Narration {
	return Narration{
		Summary:     "死亡",
		Description: fmt.Sprintf("死因: `%s`", rawMessage),
	}
}

// Narrate asks the service to describe the death. Transient failures get one
// retry inside the configured timeout; on any final failure the fallback
// narration is returned along with the error so the caller can proceed.
func (g *Generator) Narrate(ctx context.Context, handle, rawMessage string) (Narration, error) {
	if !g.Enabled() {
		return Fallback(rawMessage), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	text, err := backoff.Retry(ctx, func() (string, error) {
		return g.complete(ctx, handle, rawMessage)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(2),
	)
	if err != nil {
		return Fallback(rawMessage), fmt.Errorf("generate narration for %s: %w", handle, err)
	}
	return parseNarration(text, rawMessage), nil
}

func (g *Generator) complete(ctx context.Context, handle, rawMessage string) (string, error) {
	prompt := fmt.Sprintf(`Minecraftのプレイヤー「%s」が死にました。
サーバーログの死因メッセージは「%s」です。

以下の2つの情報を生成してください：

1. 死因の短い要約（5文字〜10文字程度）：例「ゾンビに食い殺された」「クリーパーに爆破された」「落下死」など
2. 詳細な状況説明（200文字以内）：何が起きたのか状況を想像し、簡潔かつ少しユーモラスかつ辛辣に説明

必ず以下のフォーマットで回答してください：

要約: [短い死因]
説明: [詳細な状況説明]`, handle, rawMessage)

	requestBody, err := json.Marshal(map[string]any{
		"model": g.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
		"max_tokens":  defaultMaxTokens,
		"temperature": temperature,
	})
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("marshal narration request: %w", err))
	}

	url := strings.TrimRight(g.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("build narration request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	res, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("narration request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("narration request status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode narration response: %w", err))
	}
	if len(payload.Choices) == 0 {
		return "", backoff.Permanent(fmt.Errorf("narration response has no choices"))
	}
	text := strings.TrimSpace(payload.Choices[0].Message.Content)
	if text == "" {
		return "", backoff.Permanent(fmt.Errorf("narration response is empty"))
	}
	return text, nil
}

// parseNarration extracts the 要約/説明 lines. When the model ignored the
// format, the whole response becomes the description.
func parseNarration(text, rawMessage string) Narration {
	narration := Fallback(rawMessage)
	if m := summaryPattern.FindStringSubmatch(text); m != nil {
		narration.Summary = strings.TrimSpace(m[1])
	}
	if m := descriptionPattern.FindStringSubmatch(text); m != nil {
		narration.Description = strings.TrimSpace(m[1])
	} else {
		narration.Description = text
	}
	return narration
}
