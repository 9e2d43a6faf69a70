package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultOpenAIURL   = "https://api.openai.com"
)

type openAIProvider struct {
	apiKey    string
	model     string
	url       string
	maxTokens int
	t         transport
}

func newOpenAI(c Credentials, maxTokens int, t transport) (*openAIProvider, error) {
	key := strings.TrimSpace(c.APIKey)
	if key == "" {
		return nil, fmt.Errorf("openai: %w (OPENAI_API_KEY)", ErrMissingKey)
	}
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultOpenAIURL
	}
	return &openAIProvider{
		apiKey:    key,
		model:     cleanModel(c.Model, defaultOpenAIModel),
		url:       base + "/v1/chat/completions",
		maxTokens: maxTokens,
		t:         t,
	}, nil
}

func (p *openAIProvider) Name() string { return ProviderOpenAI + "/" + p.model }

func (p *openAIProvider) Initialize(ctx context.Context) error {
	if p.apiKey == "" {
		return fmt.Errorf("openai: %w", ErrMissingKey)
	}
	return ctx.Err()
}

func (p *openAIProvider) AnalyzeImage(ctx context.Context, imageBase64, prompt string) (string, error) {
	parts := []openAIPart{{Type: "text", Text: truncatePrompt(p.t.log, prompt)}}
	if imageBase64 != "" {
		parts = append(parts, openAIPart{
			Type:     "image_url",
			ImageURL: &openAIImageURL{URL: "data:image/png;base64," + imageBase64},
		})
	}
	body, err := json.Marshal(openAIPayload{
		Model:     p.model,
		Messages:  []openAIMessage{{Role: "user", Content: parts}},
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	data, err := p.t.post(ctx, p.url, map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}, body)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}

	var or openAIResponse
	if err := json.Unmarshal(data, &or); err != nil {
		return "", fmt.Errorf("openai: parse response: %w", err)
	}
	if or.Error != nil {
		return "", fmt.Errorf("openai: %s (type: %s)", or.Error.Message, or.Error.Type)
	}
	if len(or.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return or.Choices[0].Message.Content, nil
}

type openAIPayload struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string       `json:"role"`
	Content []openAIPart `json:"content"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}
