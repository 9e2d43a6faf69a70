package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
		err  error
	}{
		{"explicit", Config{Name: "OpenAI"}, ProviderOpenAI, nil},
		{"auto prefers anthropic", Config{Anthropic: Credentials{APIKey: "a"}, OpenAI: Credentials{APIKey: "o"}}, ProviderAnthropic, nil},
		{"auto falls to openai", Config{Name: "auto", OpenAI: Credentials{APIKey: "o"}, Gemini: Credentials{APIKey: "g"}}, ProviderOpenAI, nil},
		{"auto falls to gemini", Config{Gemini: Credentials{APIKey: "g"}}, ProviderGemini, nil},
		{"no keys", Config{}, "", ErrNoProvider},
		{"unknown", Config{Name: "mistral"}, "", ErrUnknownProvider},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Detect(tc.cfg)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNewRequiresKeyForExplicitProvider(t *testing.T) {
	_, err := New(Config{Name: ProviderGemini})
	require.ErrorIs(t, err, ErrMissingKey)
}

type captured struct {
	path    string
	headers http.Header
	body    map[string]any
}

func serve(t *testing.T, status int, reply string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.path = r.URL.Path
		c.headers = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &c.body)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestAnthropicAnalyzeImage(t *testing.T) {
	srv, got := serve(t, http.StatusOK, `{"content":[{"type":"text","text":"{\"actions\":"},{"type":"text","text":"[]}"}]}`)
	p, err := New(Config{Name: ProviderAnthropic, Anthropic: Credentials{APIKey: "k", BaseURL: srv.URL, Model: `"claude-test"`}})
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	assert.Equal(t, "anthropic/claude-test", p.Name())

	text, err := p.AnalyzeImage(context.Background(), "aW1n", "plan this")
	require.NoError(t, err)
	assert.Equal(t, `{"actions":[]}`, text)

	assert.Equal(t, "/v1/messages", got.path)
	assert.Equal(t, "k", got.headers.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, got.headers.Get("anthropic-version"))
	msgs := got.body["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "image", content[0].(map[string]any)["type"])
	assert.Equal(t, "plan this", content[1].(map[string]any)["text"])
}

func TestOpenAIAnalyzeImage(t *testing.T) {
	srv, got := serve(t, http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`)
	p, err := New(Config{Name: ProviderOpenAI, OpenAI: Credentials{APIKey: "k", BaseURL: srv.URL}})
	require.NoError(t, err)

	text, err := p.AnalyzeImage(context.Background(), "", "plan this")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "/v1/chat/completions", got.path)
	assert.Equal(t, "Bearer k", got.headers.Get("Authorization"))
	parts := got.body["messages"].([]any)[0].(map[string]any)["content"].([]any)
	assert.Len(t, parts, 1, "no image part without a screenshot")
}

func TestGeminiAnalyzeImage(t *testing.T) {
	srv, got := serve(t, http.StatusOK, `{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]}}]}`)
	p, err := New(Config{Gemini: Credentials{APIKey: "g", BaseURL: srv.URL}})
	require.NoError(t, err)

	text, err := p.AnalyzeImage(context.Background(), "aW1n", "plan this")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, "/v1beta/models/"+defaultGeminiModel+":generateContent", got.path)
	assert.Equal(t, "g", got.headers.Get("x-goog-api-key"))
}

func TestRetriesOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"second time"}}]}`)
	}))
	defer srv.Close()

	p, err := New(Config{Name: ProviderOpenAI, OpenAI: Credentials{APIKey: "k", BaseURL: srv.URL}, MaxRetries: 1})
	require.NoError(t, err)
	text, err := p.AnalyzeImage(context.Background(), "", "x")
	require.NoError(t, err)
	assert.Equal(t, "second time", text)
	assert.EqualValues(t, 2, calls.Load())
}

func TestNoRetryByDefaultOrOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := New(Config{Name: ProviderAnthropic, Anthropic: Credentials{APIKey: "k", BaseURL: srv.URL}})
	require.NoError(t, err)
	_, err = p.AnalyzeImage(context.Background(), "", "x")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.EqualValues(t, 1, calls.Load())

	bad, _ := serve(t, http.StatusBadRequest, `{"error":"nope"}`)
	p, err = New(Config{Name: ProviderAnthropic, Anthropic: Credentials{APIKey: "k", BaseURL: bad.URL}, MaxRetries: 3})
	require.NoError(t, err)
	_, err = p.AnalyzeImage(context.Background(), "", "x")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

type slowProvider struct {
	mu      sync.Mutex
	cur     int
	maxSeen int
}

func (s *slowProvider) Name() string { return "slow" }

func (s *slowProvider) Initialize(ctx context.Context) error { return nil }

func (s *slowProvider) AnalyzeImage(ctx context.Context, _, _ string) (string, error) {
	s.mu.Lock()
	s.cur++
	if s.cur > s.maxSeen {
		s.maxSeen = s.cur
	}
	s.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	s.mu.Lock()
	s.cur--
	s.mu.Unlock()
	return "ok", nil
}

func TestLimitCapsConcurrency(t *testing.T) {
	inner := &slowProvider{}
	p := Limit(inner, LimitOptions{MaxConcurrent: 2})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.AnalyzeImage(context.Background(), "", "x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, inner.maxSeen, 2)
	assert.Equal(t, "slow", p.Name())
}

func TestLimitWithoutBoundsIsIdentity(t *testing.T) {
	inner := &slowProvider{}
	assert.Same(t, Provider(inner), Limit(inner, LimitOptions{}))
}

func TestLimitHonoursCancellation(t *testing.T) {
	p := Limit(&slowProvider{}, LimitOptions{RatePerSec: 0.001})
	ctx := context.Background()
	_, err := p.AnalyzeImage(ctx, "", "x")
	require.NoError(t, err, "first request uses the burst")

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = p.AnalyzeImage(ctx, "", "x")
	require.Error(t, err)
}
