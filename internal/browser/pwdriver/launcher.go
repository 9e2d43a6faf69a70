// Package pwdriver implements browser.Page on top of playwright-go.
package pwdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
)

const (
	defaultNavTimeout = 30 * time.Second
	defaultActionTime = 10 * time.Second
)

// Options configures the Chromium launch.
type Options struct {
	Headless bool
	SlowMo   time.Duration
	Logger   zerolog.Logger
}

// Launcher owns the playwright driver and one Chromium process. Sessions
// created from it are isolated browser contexts, one per flow.
type Launcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	logger  zerolog.Logger
}

func NewLauncher(ctx context.Context, opts Options) (*Launcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	launch := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	}
	if opts.SlowMo > 0 {
		launch.SlowMo = playwright.Float(float64(opts.SlowMo.Milliseconds()))
	}
	browser, err := pw.Chromium.Launch(launch)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	opts.Logger.Debug().Bool("headless", opts.Headless).Msg("chromium launched")
	return &Launcher{pw: pw, browser: browser, logger: opts.Logger}, nil
}

// NewSession opens an isolated context and page. storagePath, when it names
// an existing file, seeds cookies and local storage.
func (l *Launcher) NewSession(ctx context.Context, storagePath string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
		Viewport:          &playwright.Size{Width: 1280, Height: 800},
	}
	if strings.TrimSpace(storagePath) != "" {
		if _, err := os.Stat(storagePath); err == nil {
			opts.StorageStatePath = playwright.String(storagePath)
		}
	}
	bctx, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))
	return &Session{context: bctx, page: page}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

// SaveState writes the session's cookies and storage to path.
func (s *Session) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := s.context.StorageState()
	if err != nil {
		return wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Close releases the page and its context.
func (s *Session) Close() error {
	if s.page != nil {
		_ = s.page.Close()
	}
	if s.context != nil {
		return s.context.Close()
	}
	return nil
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}
