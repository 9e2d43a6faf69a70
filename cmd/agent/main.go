package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polzovatel/nlflow/internal/agent"
	"github.com/polzovatel/nlflow/internal/browser"
	"github.com/polzovatel/nlflow/internal/browser/browsertest"
	"github.com/polzovatel/nlflow/internal/browser/pwdriver"
	"github.com/polzovatel/nlflow/internal/cache"
	"github.com/polzovatel/nlflow/internal/config"
	"github.com/polzovatel/nlflow/internal/flow"
	"github.com/polzovatel/nlflow/internal/llm"
	"github.com/polzovatel/nlflow/internal/metrics"
	"github.com/polzovatel/nlflow/internal/resolver"
	"github.com/polzovatel/nlflow/internal/tools"
)

type cliOptions struct {
	flows       string
	tag         string
	name        string
	storage     string
	saveState   string
	results     string
	dryRun      string
	mode        string
	headless    bool
	stopOnError bool
	concurrency int
	noCache     bool
	clearCache  bool
}

func main() {
	os.Exit(run())
}

func run() int {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	cfg := config.Load()
	opts := parseFlags(cfg)
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.NewRegistry())
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, m)
	}

	selectorCache, closeCache, err := openCache(ctx, cfg, opts, m)
	if err != nil {
		log.Error().Err(err).Msg("cache init")
		return 2
	}
	defer closeCache()
	if opts.clearCache && selectorCache != nil {
		n := selectorCache.Clear(ctx)
		log.Info().Int("entries", n).Msg("cache cleared")
	}
	if opts.flows == "" {
		if opts.clearCache {
			return 0
		}
		log.Error().Msg("no flow file given, use -flows")
		return 2
	}

	flows, err := flow.LoadFile(opts.flows)
	if err != nil {
		log.Error().Err(err).Msg("load flows")
		return 2
	}
	flows = flow.Filter(flows, opts.tag, opts.name)
	if len(flows) == 0 {
		log.Error().Str("tag", opts.tag).Str("name", opts.name).Msg("no flows match the filters")
		return 2
	}

	provider, err := newProvider(ctx, cfg, m)
	if err != nil {
		log.Error().Err(err).Msg("llm init")
		return 2
	}
	mode, err := agent.ParseAnalysisMode(opts.mode)
	if err != nil {
		log.Error().Err(err).Msg("analysis mode")
		return 2
	}

	ropts := resolver.DefaultOptions()
	ropts.Attempts = cfg.Resolver.Attempts
	ropts.RetryDelay = cfg.Resolver.RetryDelay
	ropts.VisibleTimeout = cfg.Resolver.VisibleTimeout
	ropts.Logger = log.Logger
	ropts.Metrics = m

	executor := tools.New(resolver.New(ropts), tools.Options{
		ActionDelay: cfg.Agent.ActionDelay,
		Logger:      log.Logger,
	})
	planner := agent.NewPlanner(provider, agent.PlannerOptions{Mode: mode, Logger: log.Logger, Metrics: m})
	coord := agent.NewCoordinator(planner, executor, agent.Options{
		Cache:   selectorCache,
		Stable:  browser.StableOptions{Timeout: cfg.Agent.StableTimeout},
		Logger:  log.Logger,
		Metrics: m,
	})
	runner := flow.NewRunner(coord, flow.RunnerOptions{
		StopOnError: opts.stopOnError,
		Timeout:     cfg.Agent.FlowTimeout,
		Logger:      log.Logger,
		Metrics:     m,
	})

	sessions, closeBrowser, err := newSessions(ctx, opts)
	if err != nil {
		log.Error().Err(err).Msg("browser init")
		return 2
	}
	defer closeBrowser()

	pool := flow.NewPool(runner, sessions, flow.PoolOptions{Concurrency: opts.concurrency, Logger: log.Logger})
	log.Info().Int("flows", len(flows)).Int("concurrency", opts.concurrency).Str("provider", provider.Name()).Msg("starting")
	results := pool.Run(ctx, flows)

	printSummary(results, selectorCache)
	if opts.results != "" {
		if err := writeResults(opts.results, results); err != nil {
			log.Error().Err(err).Msg("write results")
		}
	}
	return flow.ExitCode(results)
}

func parseFlags(cfg config.Config) cliOptions {
	flows := flag.String("flows", "", "Path to a YAML flow file")
	tag := flag.String("tag", "", "Run only flows with this tag")
	name := flag.String("name", "", "Run only the flow with this name")
	storage := flag.String("storage", "", "Path to Playwright storage state used by every session")
	save := flag.String("save-state", "", "Path to save the storage state of each session when it closes")
	results := flag.String("results", "", "Write flow results as JSON to this path")
	dryRun := flag.String("dry-run", "", "Run against this static HTML file instead of a browser")
	mode := flag.String("mode", cfg.LLM.AnalysisMode, "Page analysis mode: dom, vision or hybrid")
	headless := flag.Bool("headless", cfg.Agent.Headless, "Run Chromium headless")
	stopOnError := flag.Bool("stop-on-error", cfg.Agent.StopOnError, "Abort a flow at its first failed step")
	concurrency := flag.Int("concurrency", cfg.Agent.Concurrency, "Flows to run in parallel")
	noCache := flag.Bool("no-cache", !cfg.Cache.Enabled, "Disable the selector cache")
	clearCache := flag.Bool("clear-cache", false, "Empty the selector cache before running")
	flag.Parse()
	return cliOptions{
		flows:       strings.TrimSpace(*flows),
		tag:         strings.TrimSpace(*tag),
		name:        strings.TrimSpace(*name),
		storage:     strings.TrimSpace(*storage),
		saveState:   strings.TrimSpace(*save),
		results:     strings.TrimSpace(*results),
		dryRun:      strings.TrimSpace(*dryRun),
		mode:        *mode,
		headless:    *headless,
		stopOnError: *stopOnError,
		concurrency: *concurrency,
		noCache:     *noCache,
		clearCache:  *clearCache,
	}
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
}

// openCache returns a nil cache when caching is off.
func openCache(ctx context.Context, cfg config.Config, opts cliOptions, m *metrics.Metrics) (*cache.Cache, func(), error) {
	if opts.noCache && !opts.clearCache {
		return nil, func() {}, nil
	}
	var (
		store   cache.Store
		cleanup = func() {}
	)
	switch cfg.Cache.Backend {
	case "", "file":
		store = cache.NewFileStore(cfg.Cache.Path)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		store = cache.NewRedisStore(client, cfg.Cache.RedisKey)
		cleanup = func() { _ = client.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown CACHE_BACKEND %q (use file or redis)", cfg.Cache.Backend)
	}

	c := cache.Open(ctx, cache.Options{
		TTL:                 cfg.Cache.TTL,
		MaxSize:             cfg.Cache.MaxSize,
		MaxFailures:         cfg.Cache.MaxFailures,
		SimilarityThreshold: cfg.Cache.Similarity,
		Store:               store,
		Logger:              log.Logger,
		Metrics:             m,
	})
	if opts.noCache {
		// Opened only so -clear-cache can empty it.
		log.Info().Int("entries", c.Clear(ctx)).Msg("cache cleared")
		cleanup()
		return nil, func() {}, nil
	}
	c.StartCleanup(ctx, cfg.Cache.CleanupInterval)
	log.Info().Str("store", store.String()).Int("entries", c.Len()).Msg("selector cache ready")
	return c, cleanup, nil
}

func newProvider(ctx context.Context, cfg config.Config, m *metrics.Metrics) (llm.Provider, error) {
	p, err := llm.New(llm.Config{
		Name:       cfg.LLM.Provider,
		Anthropic:  llm.Credentials{APIKey: cfg.LLM.AnthropicKey, Model: cfg.LLM.AnthropicModel, BaseURL: cfg.LLM.AnthropicURL},
		OpenAI:     llm.Credentials{APIKey: cfg.LLM.OpenAIKey, Model: cfg.LLM.OpenAIModel, BaseURL: cfg.LLM.OpenAIURL},
		Gemini:     llm.Credentials{APIKey: cfg.LLM.GeminiKey, Model: cfg.LLM.GeminiModel, BaseURL: cfg.LLM.GeminiURL},
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
		Logger:     log.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := p.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", p.Name(), err)
	}
	return llm.Limit(p, llm.LimitOptions{
		MaxConcurrent: int64(cfg.LLM.MaxConcurrency),
		RatePerSec:    cfg.LLM.RatePerSec,
		Metrics:       m,
	}), nil
}

func newSessions(ctx context.Context, opts cliOptions) (flow.SessionFactory, func(), error) {
	if opts.dryRun != "" {
		html, err := os.ReadFile(opts.dryRun)
		if err != nil {
			return nil, nil, fmt.Errorf("read dry-run page: %w", err)
		}
		log.Info().Str("page", opts.dryRun).Msg("dry run, no browser will be launched")
		return func(ctx context.Context) (flow.Session, error) {
			return &staticSession{Page: browsertest.New("about:blank", string(html)), html: string(html)}, nil
		}, func() {}, nil
	}

	launcher, err := pwdriver.NewLauncher(ctx, pwdriver.Options{
		Headless: opts.headless,
		Logger:   log.With().Str("comp", "browser").Logger(),
	})
	if err != nil {
		return nil, nil, err
	}
	closeAll := func() {
		if err := launcher.Close(); err != nil {
			log.Warn().Err(err).Msg("close browser")
		}
	}
	return func(ctx context.Context) (flow.Session, error) {
		s, err := launcher.NewSession(ctx, opts.storage)
		if err != nil {
			return nil, err
		}
		if opts.saveState == "" {
			return s, nil
		}
		return &savingSession{Session: s, path: opts.saveState}, nil
	}, closeAll, nil
}

// staticSession shows the same markup at whatever URL a flow opens.
type staticSession struct {
	*browsertest.Page
	html string
}

func (s *staticSession) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.SetURL(url)
	s.SetHTML(s.html)
	return nil
}

func (s *staticSession) Close() error { return nil }

// savingSession writes cookies and storage before closing.
type savingSession struct {
	*pwdriver.Session
	path string
}

func (s *savingSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.SaveState(ctx, s.path); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("save state")
	} else {
		log.Info().Str("path", s.path).Msg("storage saved")
	}
	return s.Session.Close()
}

func printSummary(results []flow.Result, c *cache.Cache) {
	for _, r := range results {
		status := "PASS"
		if r.Failed() {
			status = "FAIL"
		}
		fmt.Printf("%s  %s  %d/%d steps  %s\n", status, r.Flow, r.CompletedSteps, r.TotalSteps, r.Duration.Round(time.Millisecond))
		for i, s := range r.Steps {
			mark := "ok"
			if !s.Success {
				mark = "failed: " + s.Error
			}
			src := "model"
			switch {
			case s.Replanned:
				src = "replanned"
			case s.FromCache:
				src = "cache"
			}
			fmt.Printf("    %d. [%s] %s (%s)\n", i+1, src, s.Instruction, mark)
		}
		if r.Error != "" {
			fmt.Printf("    error: %s\n", r.Error)
		}
	}
	if c != nil {
		st := c.Stats()
		fmt.Printf("cache: %d entries, %d exact hits, %d fuzzy hits, %d stale, %d misses\n",
			st.Entries, st.Hits, st.FuzzyHits, st.StaleHits, st.Misses)
	}
}

func writeResults(path string, results []flow.Result) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
