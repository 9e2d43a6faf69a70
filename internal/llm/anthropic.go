package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"
	defaultAnthropicURL   = "https://api.anthropic.com"
	anthropicVersion      = "2023-06-01"
)

type anthropicProvider struct {
	apiKey    string
	model     string
	url       string
	maxTokens int
	t         transport
}

func newAnthropic(c Credentials, maxTokens int, t transport) (*anthropicProvider, error) {
	key := strings.TrimSpace(c.APIKey)
	if key == "" {
		return nil, fmt.Errorf("anthropic: %w (ANTHROPIC_API_KEY)", ErrMissingKey)
	}
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultAnthropicURL
	}
	return &anthropicProvider{
		apiKey:    key,
		model:     cleanModel(c.Model, defaultAnthropicModel),
		url:       base + "/v1/messages",
		maxTokens: maxTokens,
		t:         t,
	}, nil
}

func (p *anthropicProvider) Name() string { return ProviderAnthropic + "/" + p.model }

func (p *anthropicProvider) Initialize(ctx context.Context) error {
	if p.apiKey == "" {
		return fmt.Errorf("anthropic: %w", ErrMissingKey)
	}
	return ctx.Err()
}

func (p *anthropicProvider) AnalyzeImage(ctx context.Context, imageBase64, prompt string) (string, error) {
	var content []anthropicContent
	if imageBase64 != "" {
		content = append(content, anthropicContent{
			Type:   "image",
			Source: &anthropicSource{Type: "base64", MediaType: "image/png", Data: imageBase64},
		})
	}
	content = append(content, anthropicContent{Type: "text", Text: truncatePrompt(p.t.log, prompt)})

	body, err := json.Marshal(anthropicPayload{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	data, err := p.t.post(ctx, p.url, map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}, body)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var ar anthropicResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return "", fmt.Errorf("anthropic: parse response: %w", err)
	}
	var b strings.Builder
	for _, c := range ar.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String(), nil
}

type anthropicPayload struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}
