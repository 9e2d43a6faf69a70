package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultGeminiModel = "gemini-2.0-flash"
	defaultGeminiURL   = "https://generativelanguage.googleapis.com"
)

type geminiProvider struct {
	apiKey    string
	model     string
	base      string
	maxTokens int
	t         transport
}

func newGemini(c Credentials, maxTokens int, t transport) (*geminiProvider, error) {
	key := strings.TrimSpace(c.APIKey)
	if key == "" {
		return nil, fmt.Errorf("gemini: %w (GEMINI_API_KEY)", ErrMissingKey)
	}
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultGeminiURL
	}
	return &geminiProvider{
		apiKey:    key,
		model:     cleanModel(c.Model, defaultGeminiModel),
		base:      base,
		maxTokens: maxTokens,
		t:         t,
	}, nil
}

func (p *geminiProvider) Name() string { return ProviderGemini + "/" + p.model }

func (p *geminiProvider) Initialize(ctx context.Context) error {
	if p.apiKey == "" {
		return fmt.Errorf("gemini: %w", ErrMissingKey)
	}
	return ctx.Err()
}

func (p *geminiProvider) AnalyzeImage(ctx context.Context, imageBase64, prompt string) (string, error) {
	parts := []geminiPart{{Text: truncatePrompt(p.t.log, prompt)}}
	if imageBase64 != "" {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: "image/png", Data: imageBase64}})
	}
	body, err := json.Marshal(geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{MaxOutputTokens: p.maxTokens},
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.base, p.model)
	data, err := p.t.post(ctx, url, map[string]string{"x-goog-api-key": p.apiKey}, body)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}

	var gr geminiResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return "", fmt.Errorf("gemini: parse response: %w", err)
	}
	if len(gr.Candidates) == 0 {
		return "", errors.New("gemini: no candidates in response")
	}
	var b strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String(), nil
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
}
