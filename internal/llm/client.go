// Package llm wraps the model vendors behind one image-and-prompt call.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Provider is one model vendor. AnalyzeImage takes an optional base64 PNG
// and a prompt and returns the model's text.
type Provider interface {
	Name() string
	Initialize(ctx context.Context) error
	AnalyzeImage(ctx context.Context, imageBase64, prompt string) (string, error)
}

const (
	ProviderAuto      = "auto"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"

	defaultTimeout   = 60 * time.Second
	defaultMaxTokens = 2048
	retryBaseDelay   = 500 * time.Millisecond
	maxPromptSize    = 200000
	maxErrorBody     = 500
)

var (
	ErrNoProvider      = errors.New("no model provider configured")
	ErrUnknownProvider = errors.New("unknown model provider")
	ErrMissingKey      = errors.New("missing api key")
)

// Credentials holds one vendor's key, model and optional endpoint override.
type Credentials struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Config selects and configures a provider. Name "" or "auto" picks the
// first vendor with a key, in Anthropic, OpenAI, Gemini order.
type Config struct {
	Name       string
	Anthropic  Credentials
	OpenAI     Credentials
	Gemini     Credentials
	Timeout    time.Duration
	MaxRetries int
	MaxTokens  int
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Detect resolves the provider name New would use.
func Detect(cfg Config) (string, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	switch name {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini:
		return name, nil
	case "", ProviderAuto:
	default:
		return "", fmt.Errorf("%w: %s (use anthropic, openai, gemini or auto)", ErrUnknownProvider, cfg.Name)
	}
	switch {
	case cfg.Anthropic.APIKey != "":
		return ProviderAnthropic, nil
	case cfg.OpenAI.APIKey != "":
		return ProviderOpenAI, nil
	case cfg.Gemini.APIKey != "":
		return ProviderGemini, nil
	}
	return "", fmt.Errorf("%w: set ANTHROPIC_API_KEY, OPENAI_API_KEY or GEMINI_API_KEY", ErrNoProvider)
}

// New builds the configured provider. It does not touch the network; call
// Initialize for that.
func New(cfg Config) (Provider, error) {
	name, err := Detect(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	t := transport{
		http:       hc,
		maxRetries: cfg.MaxRetries,
		log:        cfg.Logger.With().Str("comp", "llm").Str("provider", name).Logger(),
	}
	var p Provider
	switch name {
	case ProviderAnthropic:
		p, err = newAnthropic(cfg.Anthropic, cfg.MaxTokens, t)
	case ProviderOpenAI:
		p, err = newOpenAI(cfg.OpenAI, cfg.MaxTokens, t)
	default:
		p, err = newGemini(cfg.Gemini, cfg.MaxTokens, t)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func cleanModel(model, def string) string {
	model = strings.Trim(strings.TrimSpace(model), "\"'")
	if model == "" {
		return def
	}
	return model
}

func truncatePrompt(log zerolog.Logger, prompt string) string {
	if len(prompt) <= maxPromptSize {
		return prompt
	}
	log.Warn().Int("size", len(prompt)).Msg("prompt too large, truncating")
	return prompt[:maxPromptSize] + "... [truncated]"
}

// transport posts JSON with bounded retries on network errors, 429 and 5xx.
type transport struct {
	http       *http.Client
	maxRetries int
	log        zerolog.Logger
}

// apiError is a non-2xx answer from a vendor.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

func (t transport) post(ctx context.Context, url string, headers map[string]string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			t.log.Info().Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("retrying model request")
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		t.log.Debug().Int("payload_size", len(body)).Int("attempt", attempt).Msg("model request")
		resp, err := t.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}
		t.log.Debug().Int("status", resp.StatusCode).Int("response_size", len(data)).Msg("model response")

		if resp.StatusCode >= 400 {
			msg := string(data)
			if len(msg) > maxErrorBody {
				msg = msg[:maxErrorBody] + "..."
			}
			lastErr = &apiError{Status: resp.StatusCode, Body: msg}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				continue
			}
			return nil, lastErr
		}
		return data, nil
	}
	if t.maxRetries == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
